package guard

import (
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"

	"github.com/tg-guard/tg-guard/lib/status"
)

// Scores is a classifier output for a single message.
type Scores struct {
	Spam        float64 `json:"spam"`
	Ham         float64 `json:"ham"`
	ModelHandle string  `json:"model_handle,omitempty"` // cumulative per-entity generalization handle
}

// Verdict is the per-message decision input for the enforcement policy.
type Verdict struct {
	BlacklistHit        bool
	SpamHit             bool
	ActiveSpammerHit    bool
	ExemptAsAdmin       bool
	ExemptAsWhitelisted bool
}

// Gate combines entity status, admin state and classifier scores into a Verdict.
type Gate struct {
	// ActiveSpammerCheckDisabled turns off the standing-state spam check.
	// The strict variant (spam > 0 and spam > ham) is the default.
	ActiveSpammerCheckDisabled bool
}

// Evaluate computes the verdict for a message and returns the entity record
// with its running generalization scores updated. channelEntity is the sender
// chat (channel posts, forwards), nil for plain user messages. A nil scores
// means the classifier was unavailable; the message passes unexamined.
//
// Whitelist short-circuits before the admin check. Admins still get their
// scores recorded so the per-entity tallies keep up, but are never marked as
// spam hits.
func (g *Gate) Evaluate(entity status.Entity, channelEntity *status.Entity, scores *Scores,
	cfg status.ChatSettings, isAdmin bool) (Verdict, status.Entity) {

	v := Verdict{
		ExemptAsWhitelisted: entity.Whitelisted || (channelEntity != nil && channelEntity.Whitelisted),
		ExemptAsAdmin:       isAdmin,
	}

	if scores != nil {
		entity.GeneralizedSpam = scores.Spam
		entity.GeneralizedHam = scores.Ham
		entity.GeneralizedID = scores.ModelHandle
	}

	switch {
	case v.ExemptAsWhitelisted:
		v.SpamHit = false
	case isAdmin:
		v.SpamHit = false
	default:
		v.SpamHit = scores != nil && scores.Spam > scores.Ham // tie is ham
	}

	v.BlacklistHit = entity.Blacklisted && !entity.Whitelisted
	if !v.BlacklistHit && cfg.ForwardProtectionEnabled && channelEntity != nil {
		v.BlacklistHit = channelEntity.Blacklisted && !channelEntity.Whitelisted && !entity.Whitelisted
	}

	v.ActiveSpammerHit = g.activeSpammer(entity, isAdmin)
	return v, entity
}

// EvaluateStanding computes the standing-state verdict with no message in
// hand, e.g. on chat join. Only blacklist and active-spammer hits can fire.
func (g *Gate) EvaluateStanding(entity status.Entity, isAdmin bool) Verdict {
	v, _ := g.Evaluate(entity, nil, nil, status.ChatSettings{}, isAdmin)
	return v
}

func (g *Gate) activeSpammer(entity status.Entity, isAdmin bool) bool {
	if g.ActiveSpammerCheckDisabled || entity.Whitelisted || isAdmin {
		return false
	}
	return entity.GeneralizedSpam > 0 && entity.GeneralizedSpam > entity.GeneralizedHam
}

// NormalizeText strips control, format and invisible characters plus emojis
// from a message before it is handed to the classifier.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		if (r >= 0x200B && r <= 0x200F) || (r >= 0x2060 && r <= 0x206F) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(gomoji.RemoveEmojis(b.String()))
}
