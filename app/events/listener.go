// Package events provides the telegram event loop and all high-level handlers.
// It parses updates, runs messages through the moderation gate and executes
// the resulting enforcement decisions. Operator commands are handled here too.
package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/go-multierror"

	"github.com/tg-guard/tg-guard/app/roster"
	"github.com/tg-guard/tg-guard/app/storage"
	"github.com/tg-guard/tg-guard/lib/classifier"
	"github.com/tg-guard/tg-guard/lib/guard"
	"github.com/tg-guard/tg-guard/lib/status"
)

// DecisionLogger is an interface for logging applied enforcement decisions
type DecisionLogger interface {
	Log(entry LogEntry)
}

// DecisionLoggerFunc is a functional adapter for DecisionLogger
type DecisionLoggerFunc func(entry LogEntry)

// Log calls f(entry)
func (f DecisionLoggerFunc) Log(entry LogEntry) { f(entry) }

// LogEntry is a single enforcement decision record
type LogEntry struct {
	UserName  string
	UserID    int64
	ChannelID int64
	Action    string
	Reason    string
	Text      string
}

// TelegramListener listens to tg updates, runs the moderation pipeline and
// executes decisions. Not thread safe.
type TelegramListener struct {
	TbAPI      TbAPI
	Group      string // can be int64 or public group username (without "@" prefix)
	AdminGroup string // optional, alerts go there instead of the main chat
	Roster     *roster.Roster
	Statuses   *storage.Statuses
	Chats      *storage.Chats
	Audit      *storage.Audit
	Classifier classifier.Classifier // optional, nil disables spam scoring
	Gate       *guard.Gate
	Policy     *guard.Policy
	Blacklist  *guard.BlacklistEngine
	Admins     *guard.AdminCache
	Logger     DecisionLogger // optional, records applied decisions
	Dry        bool

	chatID   int64
	enforcer *enforcer
	cmds     *commands
}

// Do process all events, blocked call
func (l *TelegramListener) Do(ctx context.Context) error {
	log.Printf("[INFO] start telegram listener for %q", l.Group)

	if l.Dry {
		log.Printf("[WARN] dry mode, no actual bans or deletions")
	}

	var getChatErr error
	if l.chatID, getChatErr = l.getChatID(l.Group); getChatErr != nil {
		return fmt.Errorf("failed to get chat ID for group %q: %w", l.Group, getChatErr)
	}

	var adminChatID int64
	if l.AdminGroup != "" {
		if adminChatID, getChatErr = l.getChatID(l.AdminGroup); getChatErr != nil {
			return fmt.Errorf("failed to get chat ID for admin group %q: %w", l.AdminGroup, getChatErr)
		}
		log.Printf("[INFO] admin chat ID: %d", adminChatID)
	}

	l.enforcer = &enforcer{tbAPI: l.TbAPI, audit: l.Audit, adminChatID: adminChatID, dry: l.Dry}
	l.cmds = &commands{tbAPI: l.TbAPI, roster: l.Roster, statuses: l.Statuses, audit: l.Audit,
		blacklist: l.Blacklist, admins: l.Admins, chatID: l.chatID, dry: l.Dry}

	u := tbapi.NewUpdate(0)
	u.Timeout = 60

	updates := l.TbAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update chan closed")
			}
			if update.Message == nil {
				continue
			}
			if update.Message.Chat.ID != l.chatID {
				continue
			}

			if len(update.Message.NewChatMembers) > 0 {
				for i := range update.Message.NewChatMembers {
					if err := l.procJoin(ctx, &update.Message.NewChatMembers[i]); err != nil {
						log.Printf("[WARN] failed to process join: %v", err)
					}
				}
				continue
			}

			if l.isCommand(update.Message) {
				if err := l.cmds.handle(ctx, update.Message); err != nil {
					log.Printf("[WARN] failed to process command %q: %v", update.Message.Text, err)
				}
				continue
			}

			if err := l.procMessage(ctx, update.Message); err != nil {
				log.Printf("[WARN] failed to process update: %v", err)
				continue
			}
		}
	}
}

// procMessage runs the full pipeline for a single message:
// status lookup, admin check, classification, gate, policy, enforcement.
func (l *TelegramListener) procMessage(ctx context.Context, msg *tbapi.Message) error {
	if msg.From == nil {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	log.Printf("[DEBUG] incoming msg from %d: %q", msg.From.ID, strings.ReplaceAll(text, "\n", " "))

	userID := strconv.FormatInt(msg.From.ID, 10)
	entity, err := l.Statuses.Get(ctx, userID, status.TypeUser)
	if err != nil {
		return fmt.Errorf("failed to get user status: %w", err)
	}

	channelEntity, channelID, err := l.senderChannel(ctx, msg)
	if err != nil {
		return err
	}

	cfg, err := l.Chats.Get(ctx, strconv.FormatInt(msg.Chat.ID, 10))
	if err != nil {
		return fmt.Errorf("failed to get chat settings: %w", err)
	}

	isAdmin := l.Admins.IsAdmin(ctx, msg.Chat.ID, msg.From.ID, guard.AdminCacheTTL)

	var scores *guard.Scores
	if l.Classifier != nil && cfg.DetectSpamEnabled {
		normalized := guard.NormalizeText(text)
		if normalized != "" {
			res, cerr := l.Classifier.Classify(ctx, normalized, entity.GeneralizedID)
			if cerr != nil {
				log.Printf("[WARN] classifier unavailable, message passed unexamined: %v", cerr)
			} else {
				scores = &res
			}
		}
	}

	verdict, updated := l.Gate.Evaluate(entity, channelEntity, scores, cfg, isAdmin)

	errs := new(multierror.Error)
	if scores != nil {
		if err := l.Statuses.Upsert(ctx, updated); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to save updated scores: %w", err))
		}
	}

	decision := l.Policy.Decide(verdict, cfg)
	if decision.Action == guard.ActionNone {
		return errs.ErrorOrNil()
	}

	off := offender{userID: msg.From.ID, userName: displayName(msg.From), chatID: msg.Chat.ID, msgID: msg.MessageID}
	if verdict.BlacklistHit && channelEntity != nil && channelEntity.Blacklisted {
		// the hit came from the sender channel, ban it instead of the user
		off.channelID = channelID
	}

	if err := l.enforcer.apply(ctx, decision, off); err != nil {
		errs = multierror.Append(errs, err)
	}
	if decision.Alert {
		l.enforcer.alert(decision, off)
	}
	if l.Logger != nil {
		l.Logger.Log(LogEntry{UserName: off.userName, UserID: off.userID, ChannelID: off.channelID,
			Action: string(decision.Action), Reason: decision.Reason, Text: strings.ReplaceAll(text, "\n", " ")})
	}
	return errs.ErrorOrNil()
}

// procJoin evaluates the standing state of a new chat member, no message in hand
func (l *TelegramListener) procJoin(ctx context.Context, user *tbapi.User) error {
	userID := strconv.FormatInt(user.ID, 10)
	entity, err := l.Statuses.Get(ctx, userID, status.TypeUser)
	if err != nil {
		return fmt.Errorf("failed to get status for joining user: %w", err)
	}

	isAdmin := l.Admins.IsAdmin(ctx, l.chatID, user.ID, guard.AdminCacheTTL)

	cfg, err := l.Chats.Get(ctx, strconv.FormatInt(l.chatID, 10))
	if err != nil {
		return fmt.Errorf("failed to get chat settings: %w", err)
	}

	verdict := l.Gate.EvaluateStanding(entity, isAdmin)
	// join has no message to delete, only the standing checks can fire
	cfg.DetectSpamEnabled = false
	decision := l.Policy.Decide(verdict, cfg)
	if decision.Action == guard.ActionNone {
		return nil
	}

	log.Printf("[INFO] joining user %d rejected, reason: %s", user.ID, decision.Reason)
	off := offender{userID: user.ID, userName: displayName(user), chatID: l.chatID}
	if err := l.enforcer.apply(ctx, decision, off); err != nil {
		return err
	}
	if decision.Alert {
		l.enforcer.alert(decision, off)
	}
	if l.Logger != nil {
		l.Logger.Log(LogEntry{UserName: off.userName, UserID: off.userID,
			Action: string(decision.Action), Reason: decision.Reason})
	}
	return nil
}

// senderChannel returns the status entity for the message's sender channel or
// forward source channel, nil when the message is a plain user post.
func (l *TelegramListener) senderChannel(ctx context.Context, msg *tbapi.Message) (*status.Entity, int64, error) {
	var id int64
	switch {
	case msg.SenderChat != nil && msg.SenderChat.ID != msg.Chat.ID:
		id = msg.SenderChat.ID
	case msg.ForwardOrigin != nil && msg.ForwardOrigin.Chat != nil:
		id = msg.ForwardOrigin.Chat.ID
	default:
		return nil, 0, nil
	}

	entity, err := l.Statuses.Get(ctx, strconv.FormatInt(id, 10), status.TypeChannel)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get channel status: %w", err)
	}
	return &entity, id, nil
}

func (l *TelegramListener) isCommand(msg *tbapi.Message) bool {
	if msg.From == nil || !strings.HasPrefix(msg.Text, "/") {
		return false
	}
	return l.Roster != nil && l.Roster.IsAgent(strconv.FormatInt(msg.From.ID, 10))
}

func (l *TelegramListener) getChatID(group string) (int64, error) {
	chatID, err := strconv.ParseInt(group, 10, 64)
	if err == nil {
		return chatID, nil
	}

	chat, err := l.TbAPI.GetChat(tbapi.ChatInfoConfig{ChatConfig: tbapi.ChatConfig{SuperGroupUsername: "@" + group}})
	if err != nil {
		return 0, fmt.Errorf("can't get chat for %s: %w", group, err)
	}
	return chat.ID, nil
}

// AdminFetcher makes a guard.AdminFetcher on top of the telegram API,
// the anonymous admin sentinel is appended to every result.
func AdminFetcher(tbAPI TbAPI) guard.AdminFetcher {
	return func(_ context.Context, chatID int64) ([]guard.Administrator, error) {
		members, err := tbAPI.GetChatAdministrators(tbapi.ChatAdministratorsConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: chatID}})
		if err != nil {
			return nil, fmt.Errorf("failed to get chat administrators: %w", err)
		}
		res := make([]guard.Administrator, 0, len(members)+1)
		for _, m := range members {
			if m.User == nil {
				continue
			}
			res = append(res, guard.Administrator{UserID: m.User.ID, Role: m.Status})
		}
		res = append(res, guard.Administrator{UserID: guard.AnonymousAdminID, Role: "administrator"})
		return res, nil
	}
}

func displayName(u *tbapi.User) string {
	if u == nil {
		return "unknown"
	}
	if u.UserName != "" {
		return u.UserName
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

// WaitForShutdown blocks until the context is canceled, helper for main
func WaitForShutdown(ctx context.Context, cleanupTime time.Duration) {
	<-ctx.Done()
	time.Sleep(cleanupTime)
}
