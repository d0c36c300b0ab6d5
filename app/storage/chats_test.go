package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-guard/tg-guard/lib/status"
)

func TestChats_GetSet(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers {
		t.Run(name, func(t *testing.T) {
			db, teardown := provider(t, ctx)
			defer teardown()

			c, err := NewChats(ctx, db)
			require.NoError(t, err)

			t.Run("unknown chat gets defaults", func(t *testing.T) {
				settings, err := c.Get(ctx, "-100500")
				require.NoError(t, err)
				assert.Equal(t, status.DefaultChatSettings("-100500"), settings)
				assert.True(t, settings.DetectSpamEnabled)
				assert.Equal(t, status.ActionDeleteMessage, settings.DetectSpamAction)
			})

			t.Run("set and get back", func(t *testing.T) {
				settings := status.DefaultChatSettings("-100500")
				settings.DetectSpamAction = status.ActionKickOffender
				settings.ActiveSpammerProtectionEnabled = true
				settings.ForwardProtectionEnabled = true
				require.NoError(t, c.Set(ctx, settings))

				got, err := c.Get(ctx, "-100500")
				require.NoError(t, err)
				assert.Equal(t, settings, got)
			})

			t.Run("set overwrites", func(t *testing.T) {
				settings := status.DefaultChatSettings("-100500")
				settings.DetectSpamEnabled = false
				require.NoError(t, c.Set(ctx, settings))

				got, err := c.Get(ctx, "-100500")
				require.NoError(t, err)
				assert.False(t, got.DetectSpamEnabled)
				assert.Equal(t, status.ActionDeleteMessage, got.DetectSpamAction)
			})

			t.Run("list returns stored chats only", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, status.DefaultChatSettings("-200600")))
				list, err := c.List(ctx)
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Equal(t, "-100500", list[0].ChatID)
				assert.Equal(t, "-200600", list[1].ChatID)
			})

			t.Run("empty chat id rejected", func(t *testing.T) {
				assert.Error(t, c.Set(ctx, status.ChatSettings{}))
			})
		})
	}
}

func TestNewChats_NilDB(t *testing.T) {
	_, err := NewChats(context.Background(), nil)
	assert.Error(t, err)
}
