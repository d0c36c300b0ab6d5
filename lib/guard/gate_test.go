package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tg-guard/tg-guard/lib/status"
)

func TestGate_Evaluate(t *testing.T) {
	g := &Gate{}
	cfg := status.DefaultChatSettings("1")

	t.Run("spam when spam score above ham", func(t *testing.T) {
		v, updated := g.Evaluate(status.Entity{ID: "100", Type: status.TypeUser}, nil,
			&Scores{Spam: 0.8, Ham: 0.2, ModelHandle: "m1"}, cfg, false)
		assert.True(t, v.SpamHit)
		assert.False(t, v.BlacklistHit)
		assert.InDelta(t, 0.8, updated.GeneralizedSpam, 0.0001)
		assert.InDelta(t, 0.2, updated.GeneralizedHam, 0.0001)
		assert.Equal(t, "m1", updated.GeneralizedID)
	})

	t.Run("tie is ham", func(t *testing.T) {
		v, _ := g.Evaluate(status.Entity{ID: "100", Type: status.TypeUser}, nil,
			&Scores{Spam: 0.5, Ham: 0.5}, cfg, false)
		assert.False(t, v.SpamHit)
	})

	t.Run("whitelist dominates classifier and blacklist", func(t *testing.T) {
		entity := status.Entity{ID: "100", Type: status.TypeUser, Whitelisted: true,
			Blacklisted: true, Flag: status.FlagSpam}
		v, _ := g.Evaluate(entity, nil, &Scores{Spam: 0.99, Ham: 0.01}, cfg, false)
		assert.True(t, v.ExemptAsWhitelisted)
		assert.False(t, v.SpamHit)
		assert.False(t, v.BlacklistHit, "whitelist overrides stored blacklist flag for enforcement")
	})

	t.Run("whitelisted sender channel exempts too", func(t *testing.T) {
		channel := status.Entity{ID: "-100", Type: status.TypeChannel, Whitelisted: true}
		v, _ := g.Evaluate(status.Entity{ID: "100", Type: status.TypeUser}, &channel,
			&Scores{Spam: 0.9, Ham: 0.1}, cfg, false)
		assert.True(t, v.ExemptAsWhitelisted)
		assert.False(t, v.SpamHit)
	})

	t.Run("admin exempt but scores still recorded", func(t *testing.T) {
		v, updated := g.Evaluate(status.Entity{ID: "100", Type: status.TypeUser}, nil,
			&Scores{Spam: 0.9, Ham: 0.1, ModelHandle: "m2"}, cfg, true)
		assert.True(t, v.ExemptAsAdmin)
		assert.False(t, v.SpamHit)
		assert.InDelta(t, 0.9, updated.GeneralizedSpam, 0.0001, "tallies keep up even for admins")
	})

	t.Run("classifier unavailable passes message through", func(t *testing.T) {
		entity := status.Entity{ID: "100", Type: status.TypeUser, GeneralizedSpam: 0.3, GeneralizedHam: 0.7}
		v, updated := g.Evaluate(entity, nil, nil, cfg, false)
		assert.False(t, v.SpamHit)
		assert.Equal(t, entity, updated, "no scores, no update")
	})

	t.Run("blacklist hit for non-whitelisted", func(t *testing.T) {
		entity := status.Entity{ID: "100", Type: status.TypeUser, Blacklisted: true, Flag: status.FlagScam}
		v, _ := g.Evaluate(entity, nil, nil, cfg, false)
		assert.True(t, v.BlacklistHit)
	})

	t.Run("forward protection flags blacklisted source channel", func(t *testing.T) {
		channel := status.Entity{ID: "-100", Type: status.TypeChannel, Blacklisted: true, Flag: status.FlagSpam}
		user := status.Entity{ID: "100", Type: status.TypeUser}

		v, _ := g.Evaluate(user, &channel, nil, cfg, false)
		assert.False(t, v.BlacklistHit, "forward protection disabled by default")

		fwdCfg := cfg
		fwdCfg.ForwardProtectionEnabled = true
		v, _ = g.Evaluate(user, &channel, nil, fwdCfg, false)
		assert.True(t, v.BlacklistHit)
	})
}

func TestGate_ActiveSpammer(t *testing.T) {
	tbl := []struct {
		name     string
		entity   status.Entity
		isAdmin  bool
		disabled bool
		expected bool
	}{
		{"assumes standing spam scores", status.Entity{GeneralizedSpam: 0.9, GeneralizedHam: 0.1}, false, false, true},
		{"zero spam score never hits", status.Entity{GeneralizedSpam: 0, GeneralizedHam: 0}, false, false, false},
		{"ham above spam never hits", status.Entity{GeneralizedSpam: 0.2, GeneralizedHam: 0.6}, false, false, false},
		{"equal scores never hit", status.Entity{GeneralizedSpam: 0.5, GeneralizedHam: 0.5}, false, false, false},
		{"whitelisted exempt", status.Entity{Whitelisted: true, GeneralizedSpam: 0.9, GeneralizedHam: 0.1}, false, false, false},
		{"admin exempt", status.Entity{GeneralizedSpam: 0.9, GeneralizedHam: 0.1}, true, false, false},
		{"check can be disabled", status.Entity{GeneralizedSpam: 0.9, GeneralizedHam: 0.1}, false, true, false},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			gate := &Gate{ActiveSpammerCheckDisabled: tt.disabled}
			v := gate.EvaluateStanding(tt.entity, tt.isAdmin)
			assert.Equal(t, tt.expected, v.ActiveSpammerHit)
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tbl := []struct {
		name, in, out string
	}{
		{"plain text untouched", "buy cheap stuff", "buy cheap stuff"},
		{"emojis removed", "hello 😁🐶 world", "hello  world"},
		{"zero-width chars removed", "he​llo", "hello"},
		{"control chars removed", "a\u0007b\u200d", "ab"},
		{"trimmed", "  padded  ", "padded"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, NormalizeText(tt.in))
		})
	}
}
