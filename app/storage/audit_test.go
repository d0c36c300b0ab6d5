package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-guard/tg-guard/lib/status"
)

func TestAudit_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers {
		t.Run(name, func(t *testing.T) {
			db, teardown := provider(t, ctx)
			defer teardown()

			a, err := NewAudit(ctx, db)
			require.NoError(t, err)

			base := time.Now().Add(-time.Hour).Truncate(time.Second)
			entries := []AuditEntry{
				{EntityID: "1", EntityType: status.TypeUser, Requested: "0xSP", Outcome: "applied",
					Actor: "200", Timestamp: base},
				{EntityID: "1", EntityType: status.TypeUser, Previous: "0xSP", Requested: "none",
					Outcome: "removed", Actor: "200", Timestamp: base.Add(time.Minute)},
				{EntityID: "2", EntityType: status.TypeChannel, Requested: "0xSCAM", Outcome: "applied",
					Reason: "scam channel", Actor: "system", Timestamp: base.Add(2 * time.Minute)},
			}
			for _, e := range entries {
				require.NoError(t, a.Write(ctx, e))
			}

			t.Run("recent newest first", func(t *testing.T) {
				got, err := a.Recent(ctx, 10)
				require.NoError(t, err)
				require.Len(t, got, 3)
				assert.Equal(t, "2", got[0].EntityID)
				assert.Equal(t, "scam channel", got[0].Reason)
				assert.Equal(t, "1", got[2].EntityID)
			})

			t.Run("recent respects limit", func(t *testing.T) {
				got, err := a.Recent(ctx, 1)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "2", got[0].EntityID)
			})

			t.Run("per entity history", func(t *testing.T) {
				got, err := a.ForEntity(ctx, "1", status.TypeUser)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "removed", got[0].Outcome)
				assert.Equal(t, "applied", got[1].Outcome)
			})

			t.Run("zero timestamp filled in", func(t *testing.T) {
				require.NoError(t, a.Write(ctx, AuditEntry{EntityID: "3", EntityType: status.TypeUser, Outcome: "applied"}))
				got, err := a.ForEntity(ctx, "3", status.TypeUser)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.False(t, got[0].Timestamp.IsZero())
			})

			t.Run("empty entity id rejected", func(t *testing.T) {
				assert.Error(t, a.Write(ctx, AuditEntry{}))
			})
		})
	}
}

func TestNewAudit_NilDB(t *testing.T) {
	_, err := NewAudit(context.Background(), nil)
	assert.Error(t, err)
}
