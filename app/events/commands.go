package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/tg-guard/tg-guard/app/roster"
	"github.com/tg-guard/tg-guard/app/storage"
	"github.com/tg-guard/tg-guard/lib/guard"
	"github.com/tg-guard/tg-guard/lib/status"
)

// commands handles operator commands sent in the chat. Authority comes from
// the roster: agents get read-only commands, operators get the full set.
type commands struct {
	tbAPI     TbAPI
	roster    *roster.Roster
	statuses  *storage.Statuses
	audit     *storage.Audit
	blacklist *guard.BlacklistEngine
	admins    *guard.AdminCache
	chatID    int64
	dry       bool
}

// handle dispatches a single command message. The command message itself is
// removed from the chat to keep moderation invisible.
func (c *commands) handle(ctx context.Context, msg *tbapi.Message) error {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return nil
	}
	cmd, _, _ := strings.Cut(strings.ToLower(fields[0]), "@") // strip @botname suffix
	args := fields[1:]
	requester := strconv.FormatInt(msg.From.ID, 10)

	if !c.dry {
		if err := deleteMessage(c.tbAPI, msg.Chat.ID, msg.MessageID); err != nil {
			log.Printf("[WARN] failed to remove command message: %v", err)
		}
	}

	var reply string
	var err error
	switch cmd {
	case "/status":
		reply, err = c.cmdStatus(ctx, args)
	case "/blacklist":
		if !c.roster.IsOperator(requester) {
			return fmt.Errorf("blacklist command from non-operator %s", requester)
		}
		reply, err = c.cmdBlacklist(ctx, args, requester, msg.ReplyToMessage)
	case "/appeal":
		if !c.roster.IsOperator(requester) {
			return fmt.Errorf("appeal command from non-operator %s", requester)
		}
		reply, err = c.cmdAppeal(ctx, args, requester)
	case "/whitelist":
		if !c.roster.IsOperator(requester) {
			return fmt.Errorf("whitelist command from non-operator %s", requester)
		}
		reply, err = c.cmdWhitelist(ctx, args)
	case "/note":
		if !c.roster.IsOperator(requester) {
			return fmt.Errorf("note command from non-operator %s", requester)
		}
		reply, err = c.cmdNote(ctx, args)
	case "/resetcache":
		if !c.roster.IsOperator(requester) {
			return fmt.Errorf("resetcache command from non-operator %s", requester)
		}
		reply, err = c.cmdResetCache(ctx)
	default:
		return nil // not our command, leave it alone
	}
	if err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	return send(tbapi.NewMessage(msg.Chat.ID, reply), c.tbAPI)
}

// cmdBlacklist applies a blacklist flag: /blacklist <id> <flag> [original_id].
// Channel targets use the channel: prefix on the id. Sent as a reply the id is
// dropped and the target is the sender of the replied-to message.
func (c *commands) cmdBlacklist(ctx context.Context, args []string, requester string, replyTo *tbapi.Message) (string, error) {
	var id, flagArg, originalID string
	var entityType status.EntityType
	switch {
	case replyTo != nil:
		if len(args) < 1 {
			return "usage: /blacklist <flag> [original\\_id]", nil
		}
		id, entityType = replyTarget(replyTo)
		flagArg = args[0]
		if len(args) > 1 {
			originalID = args[1]
		}
	default:
		if len(args) < 2 {
			return "usage: /blacklist <id> <flag> [original\\_id]", nil
		}
		id, entityType = parseTarget(args[0])
		flagArg = args[1]
		if len(args) > 2 {
			originalID = args[2]
		}
	}

	if originalID != "" {
		known, err := c.statuses.Exists(ctx, originalID, status.TypeUser)
		if err != nil {
			return "", fmt.Errorf("failed to check original id %s: %w", originalID, err)
		}
		if !known {
			return fmt.Sprintf("rejected: original id %s is not a known user", originalID), nil
		}
	}

	entity, err := c.statuses.Get(ctx, id, entityType)
	if err != nil {
		return "", err
	}

	updated, transition, err := c.blacklist.Apply(entity, flagArg, originalID, c.roster.IsSpecial(requester))
	c.writeTransitionAudit(ctx, id, entityType, transition, requester)
	if err != nil {
		return fmt.Sprintf("rejected: %v", err), nil
	}
	if transition.Outcome == guard.OutcomeNoOpSameFlag || transition.Outcome == guard.OutcomeNoOpSameBanEvadeID {
		return fmt.Sprintf("%s %s already has this state, nothing to do", entityType, id), nil
	}

	if err := c.statuses.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("failed to save blacklist change: %w", err)
	}
	return fmt.Sprintf("%s %s: %s", entityType, id, transition.String()), nil
}

// cmdAppeal grants a pending appeal: /appeal <id>
func (c *commands) cmdAppeal(ctx context.Context, args []string, requester string) (string, error) {
	if len(args) < 1 {
		return "usage: /appeal <id>", nil
	}
	id, entityType := parseTarget(args[0])

	entity, err := c.statuses.Get(ctx, id, entityType)
	if err != nil {
		return "", err
	}

	updated, outcome := c.blacklist.Appeal(entity)
	switch outcome {
	case guard.AppealNotBlacklisted:
		return fmt.Sprintf("%s %s is not blacklisted", entityType, id), nil
	case guard.AppealNotEligible:
		return fmt.Sprintf("%s %s is not eligible for appeal", entityType, id), nil
	}

	if err := c.statuses.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("failed to save appeal: %w", err)
	}
	c.writeTransitionAudit(ctx, id, entityType,
		guard.Transition{Previous: entity.Flag, Requested: status.FlagNone, Outcome: guard.OutcomeRemoved, Reason: "appeal granted"},
		requester)
	return fmt.Sprintf("appeal granted for %s %s", entityType, id), nil
}

// cmdWhitelist toggles the whitelist: /whitelist <id> [on|off]
func (c *commands) cmdWhitelist(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "usage: /whitelist <id> [on|off]", nil
	}
	id, entityType := parseTarget(args[0])
	enable := true
	if len(args) > 1 && strings.EqualFold(args[1], "off") {
		enable = false
	}

	entity, err := c.statuses.Get(ctx, id, entityType)
	if err != nil {
		return "", err
	}
	entity.Whitelisted = enable
	if err := c.statuses.Upsert(ctx, entity); err != nil {
		return "", fmt.Errorf("failed to save whitelist change: %w", err)
	}
	state := "whitelisted"
	if !enable {
		state = "removed from whitelist"
	}
	return fmt.Sprintf("%s %s %s", entityType, id, state), nil
}

// cmdStatus shows the stored record: /status <id>
func (c *commands) cmdStatus(ctx context.Context, args []string) (string, error) {
	if len(args) < 1 {
		return "usage: /status <id>", nil
	}
	id, entityType := parseTarget(args[0])

	entity, err := c.statuses.Get(ctx, id, entityType)
	if err != nil {
		return "", err
	}
	return escapeMarkDownV1Text(entity.String()), nil
}

// cmdNote sets the operator note: /note <id> <text>
func (c *commands) cmdNote(ctx context.Context, args []string) (string, error) {
	if len(args) < 2 {
		return "usage: /note <id> <text>", nil
	}
	id, entityType := parseTarget(args[0])

	entity, err := c.statuses.Get(ctx, id, entityType)
	if err != nil {
		return "", err
	}
	entity.OperatorNote = strings.Join(args[1:], " ")
	if err := c.statuses.Upsert(ctx, entity); err != nil {
		return "", fmt.Errorf("failed to save note: %w", err)
	}
	return fmt.Sprintf("note saved for %s %s", entityType, id), nil
}

// cmdResetCache forces an admin list refresh with the short reset TTL
func (c *commands) cmdResetCache(ctx context.Context) (string, error) {
	admins, err := c.admins.Admins(ctx, c.chatID, guard.AdminCacheResetTTL)
	if err != nil {
		return "", fmt.Errorf("failed to refresh admin cache: %w", err)
	}
	return fmt.Sprintf("admin cache refreshed, %d admins", len(admins)), nil
}

func (c *commands) writeTransitionAudit(ctx context.Context, id string, t status.EntityType,
	transition guard.Transition, requester string) {
	if c.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		EntityID:   id,
		EntityType: t,
		Previous:   transition.Previous.String(),
		Requested:  transition.Requested.String(),
		Outcome:    string(transition.Outcome),
		Reason:     transition.Reason,
		Actor:      requester,
	}
	if err := c.audit.Write(ctx, entry); err != nil {
		log.Printf("[WARN] failed to write audit entry: %v", err)
	}
}

// replyTarget resolves the entity behind a replied-to message, channel posts
// come through the sender chat
func replyTarget(msg *tbapi.Message) (id string, t status.EntityType) {
	if msg.SenderChat != nil {
		return strconv.FormatInt(msg.SenderChat.ID, 10), status.TypeChannel
	}
	return strconv.FormatInt(msg.From.ID, 10), status.TypeUser
}

// parseTarget splits the channel: prefix off the target id, default is user
func parseTarget(arg string) (id string, t status.EntityType) {
	if rest, found := strings.CutPrefix(arg, "channel:"); found {
		return rest, status.TypeChannel
	}
	return strings.TrimPrefix(arg, "user:"), status.TypeUser
}
