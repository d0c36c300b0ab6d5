package guard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-guard/tg-guard/lib/status"
)

func TestBlacklistEngine_Apply(t *testing.T) {
	e := &BlacklistEngine{}

	t.Run("apply spam flag to clean user", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "0xSP", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.Equal(t, status.FlagNone, tr.Previous)
		assert.Equal(t, status.FlagSpam, tr.Requested)
		assert.True(t, updated.Blacklisted)
		assert.Equal(t, status.FlagSpam, updated.Flag)
	})

	t.Run("case insensitive token", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "0xsp", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.Equal(t, status.FlagSpam, updated.Flag)
	})

	t.Run("unknown token rejected with suggestion", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "0xSPA", "", false)
		require.Error(t, err)
		var unknownErr *status.UnknownFlagError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, status.FlagSpam, unknownErr.Suggestion)
		assert.Equal(t, OutcomeRejected, tr.Outcome)
		assert.Equal(t, user, updated, "rejected apply must not mutate status")
	})

	t.Run("same flag twice is a no-op, status byte-identical", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		first, tr, err := e.Apply(user, "0xSCAM", "", false)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, tr.Outcome)

		second, tr, err := e.Apply(first, "0xSCAM", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoOpSameFlag, tr.Outcome)
		assert.Equal(t, first, second)
	})

	t.Run("overwrite different flag keeps previous in transition", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true, Flag: status.FlagSpam}
		updated, tr, err := e.Apply(user, "0xRAID", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.Equal(t, status.FlagSpam, tr.Previous)
		assert.Equal(t, status.FlagRaid, updated.Flag)
	})

	t.Run("special flag requires authority", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "0xSPECIAL", "", false)
		assert.ErrorIs(t, err, ErrNoAuthority)
		assert.Equal(t, OutcomeRejected, tr.Outcome)
		assert.Equal(t, user, updated)

		updated, tr, err = e.Apply(user, "0xSPECIAL", "", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.Equal(t, status.FlagSpecial, updated.Flag)
	})

	t.Run("ban evade requires original id", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "0xEVADE", "", false)
		assert.ErrorIs(t, err, ErrMissingOriginalID)
		assert.Equal(t, OutcomeRejected, tr.Outcome)
		assert.Equal(t, user, updated, "rejected apply must not mutate status")
	})

	t.Run("ban evade with same id is a no-op, different id overwrites", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		first, tr, err := e.Apply(user, "0xEVADE", "200", false)
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, tr.Outcome)
		require.Equal(t, "200", first.OriginalPrivateID)

		same, tr, err := e.Apply(first, "0xEVADE", "200", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoOpSameBanEvadeID, tr.Outcome)
		assert.Equal(t, first, same)

		other, tr, err := e.Apply(first, "0xEVADE", "300", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.Equal(t, "300", other.OriginalPrivateID)
	})

	t.Run("switching away from ban evade clears original id", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true,
			Flag: status.FlagBanEvade, OriginalPrivateID: "200"}
		updated, _, err := e.Apply(user, "0xSP", "", false)
		require.NoError(t, err)
		assert.Empty(t, updated.OriginalPrivateID)
	})

	t.Run("none removes blacklist", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true,
			Flag: status.FlagBanEvade, OriginalPrivateID: "200"}
		updated, tr, err := e.Apply(user, "none", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRemoved, tr.Outcome)
		assert.False(t, updated.Blacklisted)
		assert.Equal(t, status.FlagNone, updated.Flag)
		assert.Empty(t, updated.OriginalPrivateID)
	})

	t.Run("none on clean record is a no-op", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser}
		updated, tr, err := e.Apply(user, "", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoOpSameFlag, tr.Outcome)
		assert.Equal(t, user, updated)
	})

	t.Run("whitelisted user can still be labeled", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Whitelisted: true}
		updated, tr, err := e.Apply(user, "0xSP", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, tr.Outcome)
		assert.True(t, updated.Blacklisted)
		assert.True(t, updated.Whitelisted)
	})
}

func TestBlacklistEngine_ApplyChannel(t *testing.T) {
	e := &BlacklistEngine{}

	t.Run("whitelisted channel hard-blocks blacklisting", func(t *testing.T) {
		ch := status.Entity{ID: "-100200", Type: status.TypeChannel, Whitelisted: true}
		updated, tr, err := e.Apply(ch, "0xSP", "", false)
		assert.ErrorIs(t, err, ErrWhitelisted)
		assert.Equal(t, OutcomeRejected, tr.Outcome)
		assert.Equal(t, ch, updated)
	})

	t.Run("ban evade not applicable to channels", func(t *testing.T) {
		ch := status.Entity{ID: "-100200", Type: status.TypeChannel}
		updated, tr, err := e.Apply(ch, "0xEVADE", "200", false)
		assert.ErrorIs(t, err, ErrNotApplicable)
		assert.Equal(t, OutcomeRejected, tr.Outcome)
		assert.Equal(t, ch, updated)
	})

	t.Run("removal from whitelisted channel allowed", func(t *testing.T) {
		ch := status.Entity{ID: "-100200", Type: status.TypeChannel, Whitelisted: true,
			Blacklisted: true, Flag: status.FlagSpam}
		updated, tr, err := e.Apply(ch, "none", "", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRemoved, tr.Outcome)
		assert.False(t, updated.Blacklisted)
	})
}

func TestBlacklistEngine_FlagInvariant(t *testing.T) {
	// blacklisted iff flag set, across every transition the engine can produce
	e := &BlacklistEngine{}
	user := status.Entity{ID: "100", Type: status.TypeUser, CanAppeal: true}
	tokens := []string{"0xSP", "0xSP", "0xEVADE", "none", "0xRAID", "bogus", "0xSPECIAL", "none", "none"}
	for _, token := range tokens {
		updated, _, err := e.Apply(user, token, "55", false)
		if err != nil {
			var unknownErr *status.UnknownFlagError
			ok := errors.As(err, &unknownErr) || errors.Is(err, ErrNoAuthority)
			assert.True(t, ok, "unexpected error for %q: %v", token, err)
		}
		assert.Equal(t, updated.Blacklisted, updated.Flag != status.FlagNone,
			"invariant violated after %q: %+v", token, updated)
		user = updated
	}
}

func TestBlacklistEngine_Appeal(t *testing.T) {
	e := &BlacklistEngine{}

	t.Run("granted clears blacklist and consumes appeal", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true,
			Flag: status.FlagSpam, CanAppeal: true}
		updated, outcome := e.Appeal(user)
		assert.Equal(t, AppealGranted, outcome)
		assert.False(t, updated.Blacklisted)
		assert.Equal(t, status.FlagNone, updated.Flag)
		assert.False(t, updated.CanAppeal)
	})

	t.Run("not blacklisted", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, CanAppeal: true}
		updated, outcome := e.Appeal(user)
		assert.Equal(t, AppealNotBlacklisted, outcome)
		assert.Equal(t, user, updated)
	})

	t.Run("not eligible", func(t *testing.T) {
		user := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true, Flag: status.FlagSpam}
		updated, outcome := e.Appeal(user)
		assert.Equal(t, AppealNotEligible, outcome)
		assert.Equal(t, user, updated)
	})
}
