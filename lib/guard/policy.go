package guard

import (
	"time"

	"github.com/tg-guard/tg-guard/lib/status"
)

// PermanentBanDuration defines duration of permanent ban:
// If user is restricted for more than 366 days or less than 30 seconds from the current time,
// they are considered to be restricted forever.
var PermanentBanDuration = time.Hour * 24 * 400

// Action is a concrete enforcement reaction picked by the policy.
type Action string

// enforcement actions, ordered by severity
const (
	ActionNone          Action = "none"
	ActionAlertOnly     Action = "alert only"
	ActionDeleteMessage Action = "delete message"
	ActionDeleteAndKick Action = "delete and kick"
	ActionDeleteAndBan  Action = "delete and ban"
	ActionBanOnly       Action = "ban" // join-time, nothing to delete yet
)

// Decision is the policy output: what to do, how long to ban and whether an
// alert goes out. Alerting is gated independently of the action, an action can
// be executed silently.
type Decision struct {
	Action      Action
	BanDuration time.Duration // zero unless the action kicks or bans
	Alert       bool
	Reason      string // "blacklist", "active spammer" or "spam"
}

// Policy maps a verdict plus chat configuration to a concrete action.
type Policy struct {
	KickDuration time.Duration // temporary ban used for kicks, defaults to 10 minutes
}

// Decide picks the enforcement action, first match wins. The blacklist path
// always means full removal and bypasses the configured DetectSpamAction.
func (p *Policy) Decide(v Verdict, cfg status.ChatSettings) Decision {
	kickFor := p.KickDuration
	if kickFor == 0 {
		kickFor = 10 * time.Minute
	}

	withAlert := func(d Decision) Decision {
		d.Alert = cfg.GeneralAlertsEnabled
		return d
	}

	switch {
	case v.BlacklistHit && cfg.BlacklistProtectionEnabled:
		return withAlert(Decision{Action: ActionDeleteAndBan, BanDuration: PermanentBanDuration, Reason: "blacklist"})

	case v.ActiveSpammerHit && cfg.ActiveSpammerProtectionEnabled:
		return withAlert(Decision{Action: ActionBanOnly, BanDuration: PermanentBanDuration, Reason: "active spammer"})

	case v.SpamHit && cfg.DetectSpamEnabled:
		switch cfg.DetectSpamAction {
		case status.ActionDeleteMessage:
			return withAlert(Decision{Action: ActionDeleteMessage, Reason: "spam"})
		case status.ActionKickOffender:
			return withAlert(Decision{Action: ActionDeleteAndKick, BanDuration: kickFor, Reason: "spam"})
		case status.ActionBanOffender:
			return withAlert(Decision{Action: ActionDeleteAndBan, BanDuration: PermanentBanDuration, Reason: "spam"})
		default: // status.ActionNothing
			if cfg.GeneralAlertsEnabled {
				return Decision{Action: ActionAlertOnly, Alert: true, Reason: "spam"}
			}
			return Decision{Action: ActionNone}
		}
	}

	return Decision{Action: ActionNone}
}
