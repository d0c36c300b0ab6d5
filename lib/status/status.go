// Package status defines moderation status records for users, channels and chats.
// Records are plain values, owned by the storage layer; the decision engine in
// lib/guard takes them by value and returns updated copies.
package status

import (
	"fmt"
)

// EntityType distinguishes user and channel records. The records are structurally
// similar but a few rules differ, e.g. channels can't carry the ban-evade flag.
type EntityType string

// supported entity types
const (
	TypeUser    EntityType = "user"
	TypeChannel EntityType = "channel"
)

// Entity is a moderation status record for a single user or channel.
type Entity struct {
	ID   string     `json:"id" db:"id"`
	Type EntityType `json:"type" db:"type"`

	Blacklisted       bool   `json:"blacklisted" db:"blacklisted"`
	Flag              Flag   `json:"flag" db:"flag"`
	OriginalPrivateID string `json:"original_private_id,omitempty" db:"original_private_id"` // set only for ban-evade

	Whitelisted bool `json:"whitelisted" db:"whitelisted"`
	Official    bool `json:"official,omitempty" db:"official"` // channels only

	Operator bool `json:"operator,omitempty" db:"operator"` // users only
	Agent    bool `json:"agent,omitempty" db:"agent"`       // users only

	CanAppeal bool `json:"can_appeal" db:"can_appeal"`

	GeneralizedSpam float64 `json:"generalized_spam" db:"generalized_spam"`
	GeneralizedHam  float64 `json:"generalized_ham" db:"generalized_ham"`
	GeneralizedID   string  `json:"generalized_id,omitempty" db:"generalized_id"` // classifier model handle

	OperatorNote string `json:"operator_note,omitempty" db:"operator_note"`
}

func (e *Entity) String() string {
	res := fmt.Sprintf("%s %s", e.Type, e.ID)
	switch {
	case e.Blacklisted && e.Whitelisted:
		res += fmt.Sprintf(" [blacklisted %s, whitelisted]", e.Flag)
	case e.Blacklisted:
		res += fmt.Sprintf(" [blacklisted %s]", e.Flag)
	case e.Whitelisted:
		res += " [whitelisted]"
	}
	return res
}

// DetectAction is the configured reaction on detected spam.
type DetectAction string

// supported spam detection actions
const (
	ActionNothing       DetectAction = "nothing"
	ActionDeleteMessage DetectAction = "delete"
	ActionKickOffender  DetectAction = "kick"
	ActionBanOffender   DetectAction = "ban"
)

// ChatSettings is a per-chat moderation configuration record.
type ChatSettings struct {
	ChatID string `json:"chat_id" db:"chat_id"`

	DetectSpamEnabled              bool         `json:"detect_spam" db:"detect_spam"`
	DetectSpamAction               DetectAction `json:"detect_spam_action" db:"detect_spam_action"`
	BlacklistProtectionEnabled     bool         `json:"blacklist_protection" db:"blacklist_protection"`
	ActiveSpammerProtectionEnabled bool         `json:"active_spammer_protection" db:"active_spammer_protection"`
	GeneralAlertsEnabled           bool         `json:"general_alerts" db:"general_alerts"`
	ForwardProtectionEnabled       bool         `json:"forward_protection" db:"forward_protection"`
}

// DefaultChatSettings returns settings applied to a chat with no stored record.
func DefaultChatSettings(chatID string) ChatSettings {
	return ChatSettings{
		ChatID:                     chatID,
		DetectSpamEnabled:          true,
		DetectSpamAction:           ActionDeleteMessage,
		BlacklistProtectionEnabled: true,
		GeneralAlertsEnabled:       true,
	}
}
