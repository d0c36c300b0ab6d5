package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/sashabaranov/go-openai"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tg-guard/tg-guard/app/events"
	"github.com/tg-guard/tg-guard/app/roster"
	"github.com/tg-guard/tg-guard/app/storage"
	"github.com/tg-guard/tg-guard/app/storage/engine"
	"github.com/tg-guard/tg-guard/app/webapi"
	"github.com/tg-guard/tg-guard/lib/classifier"
	"github.com/tg-guard/tg-guard/lib/guard"
)

type options struct {
	Telegram struct {
		Token   string        `long:"token" env:"TOKEN" description:"telegram bot token" required:"true"`
		Group   string        `long:"group" env:"GROUP" description:"group name/id" required:"true"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"http client timeout for telegram"`
	} `group:"telegram" namespace:"telegram" env-namespace:"TELEGRAM"`

	AdminGroup string `long:"admin.group" env:"ADMIN_GROUP" description:"admin group name, or channel id"`

	DB       string `long:"db" env:"DB" default:"tg-guard.db" description:"database connection, sqlite file or postgres url"`
	Instance string `long:"instance" env:"INSTANCE" default:"default" description:"instance id, isolates data in shared db"`

	Roster string `long:"roster" env:"ROSTER" default:"data/roster.txt" description:"roster file with operators and agents"`

	KickDuration time.Duration `long:"kick-duration" env:"KICK_DURATION" default:"10m" description:"temporary ban duration for kicks"`

	Logger struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable rotated decisions log"`
		FileName   string `long:"file" env:"FILE"  default:"tg-guard.log" description:"location of decisions log"`
		MaxSize    string `long:"max-size" env:"MAX_SIZE" default:"100M" description:"maximum size before it gets rotated"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"maximum number of old log files to retain"`
	} `group:"logger" namespace:"logger" env-namespace:"LOGGER"`

	OpenAI struct {
		Token             string        `long:"token" env:"TOKEN" description:"openai token, spam scoring disabled if not set"`
		APIBase           string        `long:"apibase" env:"API_BASE" description:"custom openai API base, default is https://api.openai.com/v1"`
		Prompt            string        `long:"prompt" env:"PROMPT" default:"" description:"openai system prompt, if empty uses builtin default"`
		Model             string        `long:"model" env:"MODEL" default:"gpt-4o-mini" description:"openai model"`
		MaxTokensResponse int           `long:"max-tokens-response" env:"MAX_TOKENS_RESPONSE" default:"1024" description:"openai max tokens in response"`
		MaxTokensRequest  int           `long:"max-tokens-request" env:"MAX_TOKENS_REQUEST" default:"1024" description:"openai max tokens in request"`
		MaxSymbolsRequest int           `long:"max-symbols-request" env:"MAX_SYMBOLS_REQUEST" default:"8192" description:"openai max symbols in request, failback if tokenizer failed"`
		Retries           int           `long:"retries" env:"RETRIES" default:"1" description:"openai retries"`
		RetryDelay        time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"1s" description:"openai retry delay"`
	} `group:"openai" namespace:"openai" env-namespace:"OPENAI"`

	WebAPI struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable web API server"`
		ListenAddr string `long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
		AuthPasswd string `long:"auth" env:"AUTH" description:"basic auth password for user tg-guard"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Dry   bool `long:"dry" env:"DRY" description:"dry mode, no bans or deletions"`
	Dbg   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	TGDbg bool `long:"tg-dbg" env:"TG_DEBUG" description:"telegram debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-guard %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	p.SubcommandsOptional = true
	if _, err := p.Parse(); err != nil {
		if err.(*flags.Error).Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.Telegram.Token, opts.OpenAI.Token, opts.WebAPI.AuthPasswd)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	if opts.Dry {
		log.Print("[WARN] dry mode, no actual bans")
	}

	// make telegram bot
	tbAPI, err := tbapi.NewBotAPI(opts.Telegram.Token)
	if err != nil {
		return fmt.Errorf("can't make telegram bot, %w", err)
	}
	tbAPI.Debug = opts.TGDbg

	// make db engine and stores
	db, err := makeDB(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't make db engine, %w", err)
	}
	defer db.Close()

	statuses, err := storage.NewStatuses(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make statuses store, %w", err)
	}
	chats, err := storage.NewChats(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make chats store, %w", err)
	}
	audit, err := storage.NewAudit(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make audit store, %w", err)
	}

	// load roster and start watching the file for changes
	rst, err := roster.New(opts.Roster)
	if err != nil {
		return fmt.Errorf("can't load roster, %w", err)
	}
	go func() {
		if werr := rst.Watch(ctx); werr != nil {
			log.Printf("[WARN] roster watcher terminated, %v", werr)
		}
	}()

	// make decisions logger
	loggerWr, err := makeLogWriter(opts)
	if err != nil {
		return fmt.Errorf("can't make decisions log writer, %w", err)
	}
	defer loggerWr.Close()

	blacklist := &guard.BlacklistEngine{}

	// make telegram listener
	tgListener := events.TelegramListener{
		TbAPI:      tbAPI,
		Group:      opts.Telegram.Group,
		AdminGroup: opts.AdminGroup,
		Roster:     rst,
		Statuses:   statuses,
		Chats:      chats,
		Audit:      audit,
		Classifier: makeClassifier(opts),
		Gate:       &guard.Gate{},
		Policy:     &guard.Policy{KickDuration: opts.KickDuration},
		Blacklist:  blacklist,
		Admins:     guard.NewAdminCache(events.AdminFetcher(tbAPI)),
		Logger:     makeDecisionLogger(loggerWr),
		Dry:        opts.Dry,
	}
	log.Printf("[DEBUG] telegram listener config: {group: %s, admin: %s, dry: %v}",
		tgListener.Group, tgListener.AdminGroup, tgListener.Dry)

	// run web API server if enabled
	if opts.WebAPI.Enabled {
		srv := webapi.NewServer(webapi.Config{
			Version:    revision,
			ListenAddr: opts.WebAPI.ListenAddr,
			Statuses:   statuses,
			Chats:      chats,
			Audit:      audit,
			Blacklist:  blacklist,
			AuthPasswd: opts.WebAPI.AuthPasswd,
			Dbg:        opts.Dbg,
		})
		go func() {
			if serr := srv.Run(ctx); serr != nil {
				log.Printf("[ERROR] webapi server failed, %v", serr)
			}
		}()
	}

	// run telegram listener and event processor loop
	if err := tgListener.Do(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("telegram listener failed, %w", err)
	}
	return nil
}

// makeDB creates the db engine, sqlite file by default, postgres for urls
// with the postgres scheme. The instance id isolates data in a shared db.
func makeDB(ctx context.Context, opts options) (*engine.SQL, error) {
	if strings.HasPrefix(opts.DB, "postgres://") || strings.HasPrefix(opts.DB, "postgresql://") {
		log.Printf("[INFO] using postgres database")
		return engine.NewPostgres(ctx, opts.DB, opts.Instance)
	}
	log.Printf("[INFO] using sqlite database %s", opts.DB)
	return engine.NewSqlite(opts.DB, opts.Instance)
}

func makeClassifier(opts options) classifier.Classifier {
	if opts.OpenAI.Token == "" {
		log.Printf("[WARN] openai token not set, spam scoring disabled")
		return nil
	}
	log.Printf("[WARN] openai enabled")
	config := classifier.Config{
		SystemPrompt:      opts.OpenAI.Prompt,
		Model:             opts.OpenAI.Model,
		MaxTokensResponse: opts.OpenAI.MaxTokensResponse,
		MaxTokensRequest:  opts.OpenAI.MaxTokensRequest,
		MaxSymbolsRequest: opts.OpenAI.MaxSymbolsRequest,
		Retries:           opts.OpenAI.Retries,
		RetryDelay:        opts.OpenAI.RetryDelay,
	}
	log.Printf("[DEBUG] openai config: %+v", config)

	if opts.OpenAI.APIBase != "" {
		clientConfig := openai.DefaultConfig(opts.OpenAI.Token)
		clientConfig.BaseURL = opts.OpenAI.APIBase
		return classifier.NewOpenAI(openai.NewClientWithConfig(clientConfig), config)
	}
	return classifier.NewOpenAI(openai.NewClient(opts.OpenAI.Token), config)
}

// makeDecisionLogger creates a logger to keep records of applied decisions,
// it writes json lines to the provided writer
func makeDecisionLogger(wr io.Writer) events.DecisionLogger {
	return events.DecisionLoggerFunc(func(entry events.LogEntry) {
		log.Printf("[INFO] decision for %q (%d): %s, reason: %s", entry.UserName, entry.UserID, entry.Action, entry.Reason)
		m := struct {
			TimeStamp string `json:"ts"`
			UserName  string `json:"user_name"`
			UserID    int64  `json:"user_id"`
			ChannelID int64  `json:"channel_id,omitempty"`
			Action    string `json:"action"`
			Reason    string `json:"reason"`
			Text      string `json:"text,omitempty"`
		}{
			TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
			UserName:  entry.UserName,
			UserID:    entry.UserID,
			ChannelID: entry.ChannelID,
			Action:    entry.Action,
			Reason:    entry.Reason,
			Text:      entry.Text,
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal json, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to log, %v", err)
		}
	})
}

// makeLogWriter creates a writer for the decisions log,
// it parses options and makes lumberjack logger with rotation
func makeLogWriter(opts options) (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] decisions log enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	for _, s := range secrets {
		if s != "" {
			logOpts = append(logOpts, lgr.Secret(s))
		}
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
