package avabot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Set at build time via -ldflags
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

// Bot wires together the Discord session, the OpenAI assistant, the
// knowledge store and the supporting components, and owns their
// lifecycle. Create one with [New] and start it with [Bot.Run].
type Bot struct {
	config *Config
	logger *slog.Logger

	db        DBI
	discord   *Discord
	openai    *OpenAI
	knowledge *KnowledgeStore

	chat       *ChatRelay
	forum      *ForumWatcher
	waitlist   *WaitlistManager
	vectorSync *VectorStoreSync
	api        *API

	signalStop   chan struct{}
	stopOnce     sync.Once
	eventsOnce   sync.Once
	removeEvents []func()
}

// New creates a Bot from the given config. The database is opened and
// migrated, and the knowledge file is loaded, but no network
// connections are made until [Bot.Run].
func New(ctx context.Context, config *Config) (*Bot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logWriter := newLogWriter(config)
	logHandler := tint.NewHandler(
		logWriter,
		&tint.Options{Level: config.LogLevel, AddSource: true},
	)
	logger := slog.New(logHandler).With(loggerNameKey, "avabot")
	slog.SetDefault(logger)

	bot := &Bot{
		config:     config,
		logger:     logger,
		signalStop: make(chan struct{}),
	}

	gormLogger := newGORMLogger(
		tint.NewHandler(
			logWriter,
			&tint.Options{Level: config.DatabaseLogLevel},
		),
		config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(ctx, config.DatabaseType, config.Database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	bot.db = NewDatabase(db, logger, config.DatabaseType != dbTypeSQLite)

	bot.knowledge, err = NewKnowledgeStore(
		config.Knowledge.File,
		config.Knowledge.MaxBackups,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading knowledge store: %w", err)
	}

	bot.openai = newOpenAI(
		config.OpenAI,
		tint.NewHandler(
			logWriter,
			&tint.Options{Level: config.OpenAI.LogLevel},
		),
		config.HTTPClient,
	)
	bot.discord = newDiscord(config.Discord, logger)

	bot.vectorSync = newVectorStoreSync(bot.openai, bot.knowledge, logger)
	bot.chat = newChatRelay(
		bot.db,
		nil,
		bot.openai,
		config.Discord,
		logger,
	)
	bot.forum = newForumWatcher(
		bot.db,
		nil,
		bot.knowledge,
		config.Discord,
		logger,
		bot.syncKnowledge,
	)
	bot.waitlist = newWaitlistManager(bot.db, nil, config.Discord, logger)

	if config.API.Enabled {
		bot.api = newAPI(
			config.API,
			bot.db,
			bot.knowledge,
			bot.vectorSync,
			logger,
		)
	}
	return bot, nil
}

// syncKnowledge rebuilds the assistant's vector store and resets the
// per-channel assistant threads, since existing threads keep searching
// the store they were created with.
func (b *Bot) syncKnowledge(ctx context.Context) error {
	if err := b.vectorSync.Sync(ctx); err != nil {
		return err
	}
	return b.chat.ResetThreads(ctx)
}

// init verifies the assistant, connects to the Discord gateway and
// registers event handlers. It respects [Config.StartupTimeout].
func (b *Bot) init(ctx context.Context) error {
	startupCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	if err := b.openai.VerifyAssistant(startupCtx); err != nil {
		return fmt.Errorf("error verifying assistant: %w", err)
	}

	// stale thread mappings from a previous process may reference a
	// replaced vector store
	if err := b.chat.ResetThreads(startupCtx); err != nil {
		return err
	}

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session
	b.chat.session = session
	b.forum.session = session
	b.waitlist.session = session

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		tint.NewHandler(
			newLogWriter(b.config),
			&tint.Options{Level: b.config.Discord.DiscordGoLogLevel},
		),
	)

	b.eventsOnce.Do(
		func() {
			b.removeEvents = append(
				b.removeEvents,
				session.AddHandler(b.discord.handlerReady()),
				session.AddHandler(b.discord.handlerConnect()),
				session.AddHandler(b.discord.handlerDisconnect()),
				session.AddHandler(b.chat.handlerMessageCreate(ctx)),
				session.AddHandler(b.forum.handlerThreadCreate(ctx)),
				session.AddHandler(b.waitlist.handlerGuildMemberAdd(ctx)),
			)
		},
	)

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// Run starts the bot and blocks until ctx is canceled, [Bot.Stop] is
// called, or [Config.RestartInterval] elapses. It always returns after
// a graceful shutdown attempt, nil on a clean stop.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info(
		"starting",
		"version", Version,
		"commit", CommitSHA,
		"config", b.config,
	)
	if err := b.init(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	if b.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.api.Serve(runCtx); err != nil {
				b.logger.Error("api server error", tint.Err(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.forum.CatchUp(runCtx); err != nil {
			b.logger.Error("forum catch-up failed", tint.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.waitlist.ProcessPending(runCtx); err != nil {
			b.logger.Error("waitlist sweep failed", tint.Err(err))
		}
	}()

	var restartCh <-chan time.Time
	if b.config.RestartInterval > 0 {
		restartTimer := time.NewTimer(b.config.RestartInterval)
		defer restartTimer.Stop()
		restartCh = restartTimer.C
	}

	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, shutting down")
	case <-b.signalStop:
		b.logger.Info("stop requested, shutting down")
	case <-restartCh:
		b.logger.Info(
			"restart interval elapsed, exiting for process manager restart",
			"interval", b.config.RestartInterval,
		)
	}

	cancel()
	return b.shutdown(&wg)
}

// Stop signals a running bot to shut down. Safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(
		func() {
			close(b.signalStop)
		},
	)
}

func (b *Bot) shutdown(wg *sync.WaitGroup) error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	for _, remove := range b.removeEvents {
		remove()
	}
	b.removeEvents = nil

	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		b.logger.Warn("shutdown timed out")
		return shutdownCtx.Err()
	}
}
