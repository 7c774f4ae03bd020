package avabot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// forumArchivedThreadLimit is the page size used when listing archived
// forum threads during catch-up.
const forumArchivedThreadLimit = 100

// ForumWatcher harvests question/answer pairs from a forum channel into
// the knowledge store. The thread title is the question, and the first
// reply in the thread is the answer (falling back to the starter post
// body when the thread has no replies).
//
// New posts are harvested live from ThreadCreate events. Posts created
// while the bot was offline are picked up at startup by [ForumWatcher.CatchUp],
// which resumes from the last harvested thread ID.
type ForumWatcher struct {
	db        DBI
	session   DiscordSessionHandler
	knowledge *KnowledgeStore
	config    *DiscordConfig
	logger    *slog.Logger

	// onHarvest runs after one or more entries have been added to the
	// knowledge store, so the assistant's vector store can be rebuilt.
	onHarvest func(ctx context.Context) error
}

func newForumWatcher(
	db DBI,
	session DiscordSessionHandler,
	knowledge *KnowledgeStore,
	config *DiscordConfig,
	logger *slog.Logger,
	onHarvest func(ctx context.Context) error,
) *ForumWatcher {
	return &ForumWatcher{
		db:        db,
		session:   session,
		knowledge: knowledge,
		config:    config,
		logger:    logger.With(loggerNameKey, "forum_watcher"),
		onHarvest: onHarvest,
	}
}

// handlerThreadCreate returns the gateway handler for ThreadCreate
// events. Only newly created threads under the configured forum channel
// are harvested.
func (f *ForumWatcher) handlerThreadCreate(ctx context.Context) func(
	s *discordgo.Session,
	t *discordgo.ThreadCreate,
) {
	return func(s *discordgo.Session, t *discordgo.ThreadCreate) {
		if !t.NewlyCreated {
			return
		}
		if f.config.ForumChannelID == "" || t.ParentID != f.config.ForumChannelID {
			return
		}
		logger := f.logger.With(
			"thread_id", t.ID,
			"thread_name", t.Name,
		)
		added, err := f.harvestThread(WithLogger(ctx, logger), t.Channel)
		if err != nil {
			logger.Error("error harvesting forum post", tint.Err(err))
			return
		}
		if err = f.saveCursor(ctx, t.ID); err != nil {
			logger.Error("error saving forum cursor", tint.Err(err))
		}
		if added && f.onHarvest != nil {
			if err = f.onHarvest(ctx); err != nil {
				logger.Error("error syncing knowledge store", tint.Err(err))
			}
		}
	}
}

// CatchUp harvests forum posts created since the last recorded thread,
// oldest first, and advances the cursor past each harvested thread.
// Posts that can't be harvested are skipped, not retried.
func (f *ForumWatcher) CatchUp(ctx context.Context) error {
	if f.config.ForumChannelID == "" {
		f.logger.Info("no forum channel configured, skipping catch-up")
		return nil
	}
	cursor, err := f.loadCursor(ctx)
	if err != nil {
		return err
	}
	threads, err := f.pendingThreads(cursor)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		f.logger.Info("no new forum posts to harvest", "cursor", cursor)
		return nil
	}
	f.logger.Info(
		"harvesting forum posts",
		"count", len(threads),
		"cursor", cursor,
	)

	var added bool
	for _, thread := range threads {
		logger := f.logger.With(
			"thread_id", thread.ID,
			"thread_name", thread.Name,
		)
		harvested, harvestErr := f.harvestThread(
			WithLogger(ctx, logger),
			thread,
		)
		if harvestErr != nil {
			logger.Error("error harvesting forum post", tint.Err(harvestErr))
		}
		added = added || harvested
		if err = f.saveCursor(ctx, thread.ID); err != nil {
			return err
		}
	}
	if added && f.onHarvest != nil {
		return f.onHarvest(ctx)
	}
	return nil
}

// pendingThreads returns forum threads newer than the cursor, both
// active and archived, sorted oldest to newest.
func (f *ForumWatcher) pendingThreads(
	cursor string,
) ([]*discordgo.Channel, error) {
	seen := map[string]bool{}
	var threads []*discordgo.Channel

	collect := func(list *discordgo.ThreadsList) {
		if list == nil {
			return
		}
		for _, thread := range list.Threads {
			if thread.ParentID != f.config.ForumChannelID {
				continue
			}
			if seen[thread.ID] || !snowflakeAfter(thread.ID, cursor) {
				continue
			}
			seen[thread.ID] = true
			threads = append(threads, thread)
		}
	}

	active, err := f.session.GuildThreadsActive(f.config.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error listing active threads: %w", err)
	}
	collect(active)

	archived, err := f.session.ThreadsArchived(
		f.config.ForumChannelID,
		nil,
		forumArchivedThreadLimit,
	)
	if err != nil {
		f.logger.Warn("error listing archived threads", tint.Err(err))
	} else {
		collect(archived)
	}

	sort.Slice(
		threads, func(i, j int) bool {
			return snowflakeAfter(threads[j].ID, threads[i].ID)
		},
	)
	return threads, nil
}

// harvestThread extracts the question/answer pair from the given forum
// thread and appends it to the knowledge store. Returns true when an
// entry was added. Threads with no usable question or answer are
// skipped and logged, without an error.
func (f *ForumWatcher) harvestThread(
	ctx context.Context,
	thread *discordgo.Channel,
) (bool, error) {
	logger := ContextLogger(ctx, f.logger)

	question := strings.TrimSpace(thread.Name)
	if question == "" {
		logger.Warn("skipping forum post with no title")
		return false, nil
	}
	answer, err := f.threadAnswer(thread.ID)
	if err != nil {
		return false, err
	}
	if answer == "" {
		logger.Warn("skipping forum post with no answer")
		return false, nil
	}
	if err = f.knowledge.Append(question, answer); err != nil {
		return false, fmt.Errorf("error appending knowledge entry: %w", err)
	}
	logger.Info(
		"harvested forum post",
		"question", truncate(question, 100),
		"entries", f.knowledge.Len(),
	)
	return true, nil
}

// threadAnswer returns the first reply in the thread, falling back to
// the starter post body. In a forum thread, the starter message shares
// the thread's ID.
func (f *ForumWatcher) threadAnswer(threadID string) (string, error) {
	replies, err := f.session.ChannelMessages(threadID, 1, "", threadID, "")
	if err != nil {
		return "", fmt.Errorf("error fetching thread replies: %w", err)
	}
	if len(replies) > 0 {
		if content := strings.TrimSpace(replies[0].Content); content != "" {
			return content, nil
		}
	}
	starter, err := f.session.ChannelMessage(threadID, threadID)
	if err != nil {
		return "", fmt.Errorf("error fetching starter post: %w", err)
	}
	return strings.TrimSpace(starter.Content), nil
}

func (f *ForumWatcher) loadCursor(ctx context.Context) (string, error) {
	var cursor ForumCursor
	rv := f.db.DB().WithContext(ctx).Where(
		"channel_id = ?", f.config.ForumChannelID,
	).Limit(1).Find(&cursor)
	if rv.Error != nil {
		return "", fmt.Errorf("error loading forum cursor: %w", rv.Error)
	}
	return cursor.LastThreadID, nil
}

func (f *ForumWatcher) saveCursor(ctx context.Context, threadID string) error {
	var cursor ForumCursor
	rv := f.db.DB().WithContext(ctx).Where(
		"channel_id = ?", f.config.ForumChannelID,
	).Limit(1).Find(&cursor)
	if rv.Error != nil {
		return fmt.Errorf("error loading forum cursor: %w", rv.Error)
	}
	if rv.RowsAffected == 0 {
		cursor = ForumCursor{
			ChannelID:    f.config.ForumChannelID,
			LastThreadID: threadID,
		}
		_, err := f.db.Create(ctx, &cursor)
		return err
	}
	if !snowflakeAfter(threadID, cursor.LastThreadID) {
		return nil
	}
	_, err := f.db.Updates(
		ctx,
		&cursor,
		map[string]any{"last_thread_id": threadID},
	)
	return err
}
