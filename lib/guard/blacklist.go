// Package guard implements the moderation decision engine: blacklist flag
// transitions, admin cache freshness, spam verdicts and enforcement policy.
// All components are pure per call and perform no I/O; persistence and
// telegram calls are the caller's job.
package guard

import (
	"errors"
	"fmt"

	"github.com/tg-guard/tg-guard/lib/status"
)

// errors returned by the blacklist engine, all recoverable or terminal for the
// request only, never fatal to the process
var (
	ErrNoAuthority       = errors.New("flag requires special authority")
	ErrMissingOriginalID = errors.New("ban-evade flag requires the original private id")
	ErrNotApplicable     = errors.New("flag not applicable to this entity type")
	ErrWhitelisted       = errors.New("can't blacklist a whitelisted channel")
)

// Outcome describes the result of a blacklist transition.
type Outcome string

// transition outcomes
const (
	OutcomeApplied            Outcome = "applied"
	OutcomeRemoved            Outcome = "removed"
	OutcomeNoOpSameFlag       Outcome = "noop, same flag"
	OutcomeNoOpSameBanEvadeID Outcome = "noop, same ban-evade id"
	OutcomeRejected           Outcome = "rejected"
)

// Transition is an audit record of a single blacklist-flag change attempt.
type Transition struct {
	Previous  status.Flag `json:"previous"`
	Requested status.Flag `json:"requested"`
	Outcome   Outcome     `json:"outcome"`
	Reason    string      `json:"reason,omitempty"` // set for rejected outcomes
}

func (t Transition) String() string {
	if t.Outcome == OutcomeRejected {
		return fmt.Sprintf("%s -> %s: %s (%s)", t.Previous, t.Requested, t.Outcome, t.Reason)
	}
	return fmt.Sprintf("%s -> %s: %s", t.Previous, t.Requested, t.Outcome)
}

// BlacklistEngine validates and applies blacklist-flag transitions.
// Zero value is ready to use.
type BlacklistEngine struct{}

// Apply validates the requested flag token against the current record and
// returns the updated record with the transition. On rejection the returned
// record is the unchanged input. The engine labels only; enforcement-time
// whitelist exemption is the gate's job, which lets operators keep a blacklist
// flag on a currently-whitelisted user as an audit fact. Whitelisted channels
// are the exception and reject blacklisting outright.
func (e *BlacklistEngine) Apply(current status.Entity, flagToken, originalPrivateID string,
	requesterSpecial bool) (status.Entity, Transition, error) {

	reject := func(requested status.Flag, err error) (status.Entity, Transition, error) {
		return current, Transition{Previous: current.Flag, Requested: requested,
			Outcome: OutcomeRejected, Reason: err.Error()}, err
	}

	requested, err := status.ParseFlag(flagToken)
	if err != nil {
		return reject(status.FlagNone, err)
	}

	if requested == status.FlagSpecial && !requesterSpecial {
		return reject(requested, ErrNoAuthority)
	}
	if requested == status.FlagBanEvade {
		if current.Type == status.TypeChannel {
			return reject(requested, ErrNotApplicable)
		}
		if originalPrivateID == "" {
			return reject(requested, ErrMissingOriginalID)
		}
	}
	if current.Type == status.TypeChannel && current.Whitelisted && requested != status.FlagNone {
		return reject(requested, ErrWhitelisted)
	}

	trans := Transition{Previous: current.Flag, Requested: requested}

	if requested == status.FlagNone {
		if !current.Blacklisted {
			trans.Outcome = OutcomeNoOpSameFlag
			return current, trans, nil
		}
		updated := current
		updated.Blacklisted = false
		updated.Flag = status.FlagNone
		updated.OriginalPrivateID = ""
		trans.Outcome = OutcomeRemoved
		return updated, trans, nil
	}

	if current.Blacklisted && current.Flag == requested {
		if requested != status.FlagBanEvade {
			trans.Outcome = OutcomeNoOpSameFlag
			return current, trans, nil
		}
		if current.OriginalPrivateID == originalPrivateID {
			trans.Outcome = OutcomeNoOpSameBanEvadeID
			return current, trans, nil
		}
		// same flag but different evade id, overwrite
	}

	updated := current
	updated.Blacklisted = true
	updated.Flag = requested
	updated.OriginalPrivateID = ""
	if requested == status.FlagBanEvade {
		updated.OriginalPrivateID = originalPrivateID
	}
	trans.Outcome = OutcomeApplied
	return updated, trans, nil
}

// AppealOutcome is the result of an appeal request.
type AppealOutcome string

// appeal outcomes
const (
	AppealGranted        AppealOutcome = "granted"
	AppealNotBlacklisted AppealOutcome = "not blacklisted"
	AppealNotEligible    AppealOutcome = "not eligible"
)

// Appeal processes a one-shot appeal. An eligible blacklisted entity gets the
// blacklist cleared and the appeal consumed; an entity with CanAppeal unset is
// not eligible regardless of its blacklist state.
func (e *BlacklistEngine) Appeal(current status.Entity) (status.Entity, AppealOutcome) {
	if !current.CanAppeal {
		return current, AppealNotEligible
	}
	if !current.Blacklisted {
		return current, AppealNotBlacklisted
	}
	updated := current
	updated.Blacklisted = false
	updated.Flag = status.FlagNone
	updated.OriginalPrivateID = ""
	updated.CanAppeal = false
	return updated, AppealGranted
}
