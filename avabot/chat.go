package avabot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ChatRelay relays user messages from allowed Discord channels to the
// OpenAI assistant, and sends the assistant's answer back as a reply.
// Each Discord channel maps to a single persisted assistant thread, so
// the assistant keeps per-channel conversation context across restarts.
type ChatRelay struct {
	db      DBI
	session DiscordSessionHandler
	openai  *OpenAI
	config  *DiscordConfig
	logger  *slog.Logger
}

func newChatRelay(
	db DBI,
	session DiscordSessionHandler,
	ai *OpenAI,
	config *DiscordConfig,
	logger *slog.Logger,
) *ChatRelay {
	return &ChatRelay{
		db:      db,
		session: session,
		openai:  ai,
		config:  config,
		logger:  logger.With(loggerNameKey, "chat_relay"),
	}
}

// handlerMessageCreate returns the gateway handler for MessageCreate
// events. Messages from bots, and messages in channels outside the
// allow list, are dropped before any assistant call is made.
func (c *ChatRelay) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if m.Author.ID == botUserID(s) {
			return
		}
		if !channelAllowed(c.config.AllowedChannels, m.ChannelID) {
			return
		}
		logger := c.logger.With(messageLogAttrs(m.Message)...)
		if err := c.Relay(WithLogger(ctx, logger), m.Message); err != nil {
			logger.Error("error relaying message", tint.Err(err))
		}
	}
}

// Relay sends the given user message to the assistant and replies in
// the originating channel with the assistant's answer.
func (c *ChatRelay) Relay(ctx context.Context, m *discordgo.Message) error {
	logger := ContextLogger(ctx, c.logger)

	if typingErr := c.session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.Warn("unable to send typing indicator", tint.Err(typingErr))
	}

	record := NewDiscordMessage(m)
	if _, err := c.db.Create(ctx, &record); err != nil {
		logger.Warn("unable to record message", tint.Err(err))
	}

	threadID, err := c.channelThread(ctx, m.ChannelID, m.Content)
	if err != nil {
		return fmt.Errorf("error getting assistant thread: %w", err)
	}

	answer, err := c.openai.AskInThread(ctx, threadID)
	if err != nil {
		return err
	}

	answer = removeCitations(answer)
	if strings.TrimSpace(answer) == "" {
		logger.Warn("assistant returned an empty answer")
		return nil
	}

	reference := m.Reference()
	for i, chunk := range splitMessage(answer, discordMaxMessageLength) {
		if i == 0 {
			_, err = c.session.ChannelMessageSendReply(
				m.ChannelID, chunk, reference,
			)
		} else {
			_, err = c.session.ChannelMessageSend(m.ChannelID, chunk)
		}
		if err != nil {
			return fmt.Errorf("error sending reply: %w", err)
		}
	}
	logger.Info("relayed assistant answer", "thread_id", threadID)
	return nil
}

// channelThread returns the assistant thread ID mapped to the given
// channel, creating and persisting a new thread if none exists yet.
// When a new thread is created, firstMessage seeds it, so the caller
// must not add the message again.
func (c *ChatRelay) channelThread(
	ctx context.Context,
	channelID string,
	firstMessage string,
) (string, error) {
	logger := ContextLogger(ctx, c.logger)

	var mapping ChannelThread
	rv := c.db.DB().WithContext(ctx).Where(
		"channel_id = ?", channelID,
	).Limit(1).Find(&mapping)
	if rv.Error != nil {
		return "", rv.Error
	}
	if rv.RowsAffected > 0 {
		if _, seedErr := c.openai.AddMessage(
			ctx, mapping.ThreadID, firstMessage,
		); seedErr != nil {
			return "", seedErr
		}
		return mapping.ThreadID, nil
	}

	threadID, err := c.openai.CreateThread(ctx, firstMessage)
	if err != nil {
		return "", err
	}
	mapping = ChannelThread{ChannelID: channelID, ThreadID: threadID}
	if _, err = c.db.Create(ctx, &mapping); err != nil {
		return "", fmt.Errorf("error saving thread mapping: %w", err)
	}
	logger.Info(
		"created assistant thread",
		"channel_id", channelID,
		"thread_id", threadID,
	)
	return threadID, nil
}

// ResetThreads drops all channel/thread mappings, so the next message
// in each channel starts a fresh assistant thread. Called at startup
// and after the vector store is replaced, since existing threads keep
// references to the old store.
func (c *ChatRelay) ResetThreads(ctx context.Context) error {
	// hard delete: soft-deleted rows would still occupy the unique
	// channel_id index
	rv := c.db.DB().WithContext(ctx).Unscoped().Where("true").Delete(&ChannelThread{})
	if rv.Error != nil {
		return fmt.Errorf("error resetting assistant threads: %w", rv.Error)
	}
	if rv.RowsAffected > 0 {
		c.logger.Info("reset assistant threads", "count", rv.RowsAffected)
	}
	return nil
}
