package avabot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// WaitlistManager records new guild members and assigns them the
// configured waitlist role. Role assignment is attempted exactly once
// per member. A failed attempt is recorded on the member's entry and
// left for manual follow-up, so a misconfigured role can't cause a
// retry storm against the Discord API.
type WaitlistManager struct {
	db      DBI
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
}

func newWaitlistManager(
	db DBI,
	session DiscordSessionHandler,
	config *DiscordConfig,
	logger *slog.Logger,
) *WaitlistManager {
	return &WaitlistManager{
		db:      db,
		session: session,
		config:  config,
		logger:  logger.With(loggerNameKey, "waitlist"),
	}
}

// handlerGuildMemberAdd returns the gateway handler for GuildMemberAdd
// events. Each join is recorded and processed immediately.
func (w *WaitlistManager) handlerGuildMemberAdd(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.User == nil || m.User.Bot {
			return
		}
		entry, err := w.recordJoin(ctx, m.Member)
		if err != nil {
			w.logger.Error(
				"error recording member join",
				tint.Err(err),
				"user_id", m.User.ID,
			)
			return
		}
		w.process(ctx, entry)
	}
}

// recordJoin creates a waitlist entry for the given member, or returns
// the existing one if the member rejoined.
func (w *WaitlistManager) recordJoin(
	ctx context.Context,
	m *discordgo.Member,
) (*WaitlistEntry, error) {
	var entry WaitlistEntry
	rv := w.db.DB().WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?", m.User.ID, m.GuildID,
	).Limit(1).Find(&entry)
	if rv.Error != nil {
		return nil, fmt.Errorf("error loading waitlist entry: %w", rv.Error)
	}
	if rv.RowsAffected > 0 {
		return &entry, nil
	}
	entry = WaitlistEntry{
		UserID:   m.User.ID,
		GuildID:  m.GuildID,
		Username: m.User.Username,
	}
	if _, err := w.db.Create(ctx, &entry); err != nil {
		return nil, fmt.Errorf("error creating waitlist entry: %w", err)
	}
	w.logger.Info("recorded member join", "entry", &entry)
	return &entry, nil
}

// ProcessPending handles entries whose role assignment or welcome
// message hasn't happened yet, such as members who joined while the bot
// was offline. Entries with a recorded assignment error are not retried.
func (w *WaitlistManager) ProcessPending(ctx context.Context) error {
	var entries []*WaitlistEntry
	rv := w.db.DB().WithContext(ctx).Where(
		"(role_assigned = ? AND assign_error = ?) OR welcomed = ?",
		false, "", false,
	).Find(&entries)
	if rv.Error != nil {
		return fmt.Errorf("error loading pending entries: %w", rv.Error)
	}
	if len(entries) == 0 {
		return nil
	}
	w.logger.Info("processing pending waitlist entries", "count", len(entries))
	for _, entry := range entries {
		w.process(ctx, entry)
	}
	return nil
}

// process assigns the waitlist role and sends the welcome message for
// the given entry, skipping whichever steps already happened.
func (w *WaitlistManager) process(ctx context.Context, entry *WaitlistEntry) {
	logger := w.logger.With("entry", entry)

	if !entry.RoleAssigned && entry.AssignError == "" {
		w.assignRole(ctx, entry, logger)
	}
	if !entry.Welcomed {
		w.sendWelcome(ctx, entry, logger)
	}
}

// assignRole makes a single role-add attempt. Both success and failure
// are persisted, so the entry is never attempted again.
func (w *WaitlistManager) assignRole(
	ctx context.Context,
	entry *WaitlistEntry,
	logger *slog.Logger,
) {
	if w.config.WaitlistRoleID == "" {
		return
	}
	updates := map[string]any{}
	err := w.session.GuildMemberRoleAdd(
		entry.GuildID,
		entry.UserID,
		w.config.WaitlistRoleID,
	)
	if err != nil {
		logger.Error("error assigning waitlist role", tint.Err(err))
		updates["assign_error"] = err.Error()
	} else {
		logger.Info("assigned waitlist role", "role_id", w.config.WaitlistRoleID)
		entry.RoleAssigned = true
		updates["role_assigned"] = true
	}
	if _, saveErr := w.db.Updates(ctx, entry, updates); saveErr != nil {
		logger.Error("error updating waitlist entry", tint.Err(saveErr))
	}
	entry.AssignError, _ = updates["assign_error"].(string)
}

// sendWelcome DMs the configured welcome message to the member. DM
// failures are expected for users who disallow server DMs, so they're
// recorded as welcomed either way.
func (w *WaitlistManager) sendWelcome(
	ctx context.Context,
	entry *WaitlistEntry,
	logger *slog.Logger,
) {
	if w.config.WelcomeMessage == "" {
		return
	}
	channel, err := w.session.UserChannelCreate(entry.UserID)
	if err != nil {
		logger.Warn("unable to open DM channel", tint.Err(err))
	} else if _, err = w.session.ChannelMessageSend(
		channel.ID, w.config.WelcomeMessage,
	); err != nil {
		logger.Warn("unable to send welcome message", tint.Err(err))
	} else {
		logger.Info("sent welcome message")
	}
	entry.Welcomed = true
	if _, saveErr := w.db.Updates(
		ctx, entry, map[string]any{"welcomed": true},
	); saveErr != nil {
		logger.Error("error updating waitlist entry", tint.Err(saveErr))
	}
}
