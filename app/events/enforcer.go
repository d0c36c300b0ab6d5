package events

import (
	"context"
	"fmt"
	"log"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/go-multierror"

	"github.com/tg-guard/tg-guard/app/storage"
	"github.com/tg-guard/tg-guard/lib/guard"
	"github.com/tg-guard/tg-guard/lib/status"
)

// offender identifies who the decision is executed against.
// channelID set means the sender chat gets banned instead of the user.
type offender struct {
	userID    int64
	channelID int64
	userName  string
	chatID    int64
	msgID     int
}

// enforcer executes policy decisions against the telegram API. Sub-operations
// are independent, a failed delete doesn't stop the ban and all failures are
// collected.
type enforcer struct {
	tbAPI       TbAPI
	audit       *storage.Audit
	adminChatID int64 // optional, alerts go there instead of the chat itself
	dry         bool
}

// apply executes the decision. Returns combined errors of all failed sub-operations.
func (e *enforcer) apply(ctx context.Context, d guard.Decision, off offender) error {
	if d.Action == guard.ActionNone || d.Action == guard.ActionAlertOnly {
		e.writeAudit(ctx, d, off)
		return nil
	}

	errs := new(multierror.Error)

	deletes := d.Action == guard.ActionDeleteMessage || d.Action == guard.ActionDeleteAndKick ||
		d.Action == guard.ActionDeleteAndBan
	if deletes && off.msgID != 0 {
		if e.dry {
			log.Printf("[INFO] dry run: delete message %d in chat %d", off.msgID, off.chatID)
		} else if err := deleteMessage(e.tbAPI, off.chatID, off.msgID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	bans := d.Action == guard.ActionDeleteAndKick || d.Action == guard.ActionDeleteAndBan ||
		d.Action == guard.ActionBanOnly
	if bans {
		req := banRequest{tbAPI: e.tbAPI, userID: off.userID, channelID: off.channelID,
			chatID: off.chatID, duration: d.BanDuration, userName: off.userName, dry: e.dry}
		if err := banUserOrChannel(req); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to ban %s: %w", off.userName, err))
		}
	}

	e.writeAudit(ctx, d, off)
	return errs.ErrorOrNil()
}

// alert sends the enforcement notice, to the admin chat when configured and
// to the chat itself otherwise. Never on dry run.
func (e *enforcer) alert(d guard.Decision, off offender) {
	if e.dry {
		return
	}
	text := fmt.Sprintf("removed message from %s, reason: %s", escapeMarkDownV1Text(off.userName), d.Reason)
	if d.Action == guard.ActionAlertOnly {
		text = fmt.Sprintf("suspicious message from %s, reason: %s", escapeMarkDownV1Text(off.userName), d.Reason)
	}
	chatID := off.chatID
	if e.adminChatID != 0 {
		chatID = e.adminChatID
	}
	if err := send(tbapi.NewMessage(chatID, text), e.tbAPI); err != nil {
		log.Printf("[WARN] failed to send alert to chat %d: %v", chatID, err)
	}
}

func (e *enforcer) writeAudit(ctx context.Context, d guard.Decision, off offender) {
	if e.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		EntityID:   fmt.Sprintf("%d", off.userID),
		EntityType: status.TypeUser,
		Outcome:    string(d.Action),
		Reason:     d.Reason,
		Actor:      "system",
	}
	if off.channelID != 0 {
		entry.EntityID = fmt.Sprintf("%d", off.channelID)
		entry.EntityType = status.TypeChannel
	}
	if err := e.audit.Write(ctx, entry); err != nil {
		log.Printf("[WARN] failed to write audit entry: %v", err)
	}
}
