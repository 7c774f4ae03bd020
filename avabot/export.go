package avabot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// exportMessagePageSize is the page size used when fetching thread
// messages, which is the maximum Discord allows per request.
const exportMessagePageSize = 100

// ForumExport is a dump of all posts in one forum channel.
type ForumExport struct {
	ForumID    string      `json:"forum_id"`
	ExportedAt time.Time   `json:"exported_at"`
	Posts      []ForumPost `json:"posts"`
}

// ForumPost is one forum thread with its full message history, oldest
// message first.
type ForumPost struct {
	ThreadID string         `json:"thread_id"`
	Title    string         `json:"title"`
	Messages []ForumMessage `json:"messages"`
}

type ForumMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Exporter produces one-shot dumps of forum channels, independent of
// the knowledge store. Useful for auditing what the harvester would see.
type Exporter struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
}

func NewExporter(
	session DiscordSessionHandler,
	config *DiscordConfig,
	logger *slog.Logger,
) *Exporter {
	return &Exporter{
		session: session,
		config:  config,
		logger:  logger.With(loggerNameKey, "exporter"),
	}
}

// Export dumps every thread in the given forum channels. Threads whose
// messages can't be fetched are skipped and logged, so one bad thread
// doesn't abort the export.
func (e *Exporter) Export(
	ctx context.Context,
	forumIDs []string,
) ([]ForumExport, error) {
	exports := make([]ForumExport, 0, len(forumIDs))
	for _, forumID := range forumIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		export, err := e.exportForum(ctx, forumID)
		if err != nil {
			return nil, err
		}
		exports = append(exports, export)
	}
	return exports, nil
}

func (e *Exporter) exportForum(
	ctx context.Context,
	forumID string,
) (ForumExport, error) {
	export := ForumExport{
		ForumID:    forumID,
		ExportedAt: time.Now().UTC(),
		Posts:      []ForumPost{},
	}
	threads, err := e.forumThreads(forumID)
	if err != nil {
		return export, err
	}
	e.logger.Info(
		"exporting forum",
		"forum_id", forumID,
		"threads", len(threads),
	)
	for _, thread := range threads {
		select {
		case <-ctx.Done():
			return export, ctx.Err()
		default:
		}
		messages, msgErr := e.threadMessages(thread.ID)
		if msgErr != nil {
			e.logger.Error(
				"error fetching thread messages",
				tint.Err(msgErr),
				"thread_id", thread.ID,
			)
			continue
		}
		export.Posts = append(
			export.Posts, ForumPost{
				ThreadID: thread.ID,
				Title:    thread.Name,
				Messages: messages,
			},
		)
	}
	return export, nil
}

// forumThreads lists active and archived threads under the given forum
// channel, oldest first.
func (e *Exporter) forumThreads(forumID string) ([]*discordgo.Channel, error) {
	seen := map[string]bool{}
	var threads []*discordgo.Channel

	collect := func(list *discordgo.ThreadsList) {
		if list == nil {
			return
		}
		for _, thread := range list.Threads {
			if thread.ParentID != forumID || seen[thread.ID] {
				continue
			}
			seen[thread.ID] = true
			threads = append(threads, thread)
		}
	}

	active, err := e.session.GuildThreadsActive(e.config.GuildID)
	if err != nil {
		return nil, fmt.Errorf("error listing active threads: %w", err)
	}
	collect(active)

	archived, err := e.session.ThreadsArchived(
		forumID,
		nil,
		forumArchivedThreadLimit,
	)
	if err != nil {
		e.logger.Warn("error listing archived threads", tint.Err(err))
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

// threadMessages fetches the full message history of a thread, oldest
// first, paginating backwards from the newest message.
func (e *Exporter) threadMessages(threadID string) ([]ForumMessage, error) {
	var messages []ForumMessage
	beforeID := ""
	for {
		page, err := e.session.ChannelMessages(
			threadID,
			exportMessagePageSize,
			beforeID,
			"",
			"",
		)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			author := ""
			if m.Author != nil {
				author = m.Author.Username
			}
			messages = append(
				messages, ForumMessage{
					ID:        m.ID,
					Author:    author,
					Content:   m.Content,
					Timestamp: m.Timestamp,
				},
			)
		}
		beforeID = page[len(page)-1].ID
		if len(page) < exportMessagePageSize {
			break
		}
	}
	sort.Slice(
		messages, func(i, j int) bool {
			return snowflakeAfter(messages[j].ID, messages[i].ID)
		},
	)
	return messages, nil
}

// ConnectExporter opens a Discord session for a one-shot export. The
// caller is responsible for closing the returned session.
func ConnectExporter(
	ctx context.Context,
	config *Config,
) (*Exporter, DiscordSessionHandler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Discord.Token == "" {
		return nil, nil, fmt.Errorf("discord token is required")
	}
	logger := slog.New(
		tint.NewHandler(
			newLogWriter(config),
			&tint.Options{Level: config.LogLevel},
		),
	)
	d := newDiscord(config.Discord, logger)
	session, err := d.newSession()
	if err != nil {
		return nil, nil, err
	}
	if err = session.Open(); err != nil {
		return nil, nil, fmt.Errorf("error opening discord session: %w", err)
	}
	select {
	case <-ctx.Done():
		_ = session.Close()
		return nil, nil, ctx.Err()
	default:
	}
	return NewExporter(session, config.Discord, logger), session, nil
}

// WriteJSON writes the exports to w as indented JSON.
func WriteJSON(w io.Writer, exports []ForumExport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	return encoder.Encode(exports)
}
