package avabot

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(
		slog.NewTextHandler(
			testWriter{t: t},
			&slog.HandlerOptions{Level: slog.LevelDebug},
		),
	)
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testDB(t testing.TB) DBI {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := testLogger(t)
	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "test.sqlite3"),
		newGORMLogger(logger.Handler(), 200*time.Millisecond),
	)
	require.NoError(t, err)
	return NewDatabase(db, logger, false)
}

func testKnowledgeStore(t testing.TB) *KnowledgeStore {
	t.Helper()
	store, err := NewKnowledgeStore(
		filepath.Join(t.TempDir(), "vector_store", "faq.json"),
		DefaultKnowledgeMaxBackups,
		testLogger(t),
	)
	require.NoError(t, err)
	return store
}

// mockDiscordSession implements DiscordSessionHandler with overridable
// function fields and call counters.
type mockDiscordSession struct {
	mu sync.Mutex

	messagesSent  []mockSentMessage
	repliesSent   []mockSentMessage
	typingCalls   atomic.Int64
	roleAddCalls  atomic.Int64
	roleAddErr    error
	roleAddsSeen  []string
	dmChannelsFor []string
	dmErr         error

	channelMessageFunc func(
		channelID string,
		messageID string,
	) (*discordgo.Message, error)
	channelMessagesFunc func(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
	) ([]*discordgo.Message, error)
	guildThreadsActiveFunc func(guildID string) (*discordgo.ThreadsList, error)
	threadsArchivedFunc    func(
		channelID string,
	) (*discordgo.ThreadsList, error)
}

type mockSentMessage struct {
	ChannelID string
	Content   string
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) sentMessages() []mockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSentMessage, len(m.messagesSent))
	copy(out, m.messagesSent)
	return out
}

func (m *mockDiscordSession) sentReplies() []mockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockSentMessage, len(m.repliesSent))
	copy(out, m.repliesSent)
	return out
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent = append(
		m.messagesSent,
		mockSentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repliesSent = append(
		m.repliesSent,
		mockSentMessage{ChannelID: channelID, Content: content},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) ChannelTyping(
	_ string,
	_ ...discordgo.RequestOption,
) error {
	m.typingCalls.Add(1)
	return nil
}

func (m *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if m.channelMessageFunc != nil {
		return m.channelMessageFunc(channelID, messageID)
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	if m.channelMessagesFunc != nil {
		return m.channelMessagesFunc(channelID, limit, beforeID, afterID)
	}
	return nil, nil
}

func (m *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	m.roleAddCalls.Add(1)
	m.mu.Lock()
	m.roleAddsSeen = append(m.roleAddsSeen, userID)
	m.mu.Unlock()
	return m.roleAddErr
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if m.dmErr != nil {
		return nil, m.dmErr
	}
	m.mu.Lock()
	m.dmChannelsFor = append(m.dmChannelsFor, recipientID)
	m.mu.Unlock()
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (m *mockDiscordSession) GuildThreadsActive(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	if m.guildThreadsActiveFunc != nil {
		return m.guildThreadsActiveFunc(guildID)
	}
	return &discordgo.ThreadsList{}, nil
}

func (m *mockDiscordSession) ThreadsArchived(
	channelID string,
	_ *time.Time,
	_ int,
	_ ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	if m.threadsArchivedFunc != nil {
		return m.threadsArchivedFunc(channelID)
	}
	return &discordgo.ThreadsList{}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(_ string) error {
	return nil
}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// mockOpenAIClient implements OpenAIClient. Threads, runs and messages
// are held in memory, and every run completes immediately with
// assistantAnswer as the response.
type mockOpenAIClient struct {
	mu sync.Mutex

	assistantAnswer string

	threadsCreated  atomic.Int64
	messagesCreated atomic.Int64
	runsCreated     atomic.Int64
	filesUploaded   []string
	storesCreated   []string
	storesDeleted   []string
	linkedStoreIDs  []string
	newestStoreID   string

	createRunErr    error
	runStatus       openai.RunStatus
	retrieveRunFunc func(
		ctx context.Context,
		threadID string,
		runID string,
	) (openai.Run, error)
}

func newMockOpenAIClient(answer string) *mockOpenAIClient {
	return &mockOpenAIClient{
		assistantAnswer: answer,
		runStatus:       openai.RunStatusCompleted,
	}
}

func (m *mockOpenAIClient) RetrieveAssistant(
	_ context.Context,
	assistantID string,
) (openai.Assistant, error) {
	return openai.Assistant{ID: assistantID}, nil
}

func (m *mockOpenAIClient) ModifyAssistant(
	_ context.Context,
	assistantID string,
	request openai.AssistantRequest,
) (openai.Assistant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if request.ToolResources != nil && request.ToolResources.FileSearch != nil {
		m.linkedStoreIDs = append(
			m.linkedStoreIDs,
			request.ToolResources.FileSearch.VectorStoreIDs...,
		)
	}
	return openai.Assistant{ID: assistantID}, nil
}

func (m *mockOpenAIClient) CreateThread(
	_ context.Context,
	_ openai.ThreadRequest,
) (openai.Thread, error) {
	n := m.threadsCreated.Add(1)
	return openai.Thread{ID: "thread-" + strconvItoa(n)}, nil
}

func (m *mockOpenAIClient) CreateMessage(
	_ context.Context,
	threadID string,
	_ openai.MessageRequest,
) (openai.Message, error) {
	n := m.messagesCreated.Add(1)
	return openai.Message{
		ID:       "msg-" + strconvItoa(n),
		ThreadID: threadID,
	}, nil
}

func (m *mockOpenAIClient) ListMessage(
	_ context.Context,
	threadID string,
	_ *int,
	_ *string,
	_ *string,
	_ *string,
) (openai.MessagesList, error) {
	m.mu.Lock()
	answer := m.assistantAnswer
	m.mu.Unlock()
	return openai.MessagesList{
		Messages: []openai.Message{
			{
				ID:       "msg-assistant",
				ThreadID: threadID,
				Role:     openaiAssistantRoleAssistant,
				Content: []openai.MessageContent{
					{
						Type: "text",
						Text: &openai.MessageText{Value: answer},
					},
				},
			},
		},
	}, nil
}

func (m *mockOpenAIClient) CreateRun(
	_ context.Context,
	threadID string,
	_ openai.RunRequest,
) (openai.Run, error) {
	if m.createRunErr != nil {
		return openai.Run{}, m.createRunErr
	}
	n := m.runsCreated.Add(1)
	return openai.Run{
		ID:       "run-" + strconvItoa(n),
		ThreadID: threadID,
		Status:   openai.RunStatusQueued,
	}, nil
}

func (m *mockOpenAIClient) RetrieveRun(
	ctx context.Context,
	threadID string,
	runID string,
) (openai.Run, error) {
	if m.retrieveRunFunc != nil {
		return m.retrieveRunFunc(ctx, threadID, runID)
	}
	m.mu.Lock()
	status := m.runStatus
	m.mu.Unlock()
	return openai.Run{ID: runID, ThreadID: threadID, Status: status}, nil
}

func (m *mockOpenAIClient) CreateFileBytes(
	_ context.Context,
	request openai.FileBytesRequest,
) (openai.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesUploaded = append(m.filesUploaded, request.Name)
	return openai.File{
		ID: "file-" + strconvItoa(int64(len(m.filesUploaded))),
	}, nil
}

func (m *mockOpenAIClient) CreateVectorStore(
	_ context.Context,
	request openai.VectorStoreRequest,
) (openai.VectorStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "vs-" + strconvItoa(int64(len(m.storesCreated)+1))
	m.storesCreated = append(m.storesCreated, id)
	return openai.VectorStore{ID: id, Name: request.Name}, nil
}

func (m *mockOpenAIClient) ListVectorStores(
	_ context.Context,
	_ openai.Pagination,
) (openai.VectorStoresList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.newestStoreID == "" {
		return openai.VectorStoresList{}, nil
	}
	return openai.VectorStoresList{
		VectorStores: []openai.VectorStore{{ID: m.newestStoreID}},
	}, nil
}

func (m *mockOpenAIClient) DeleteVectorStore(
	_ context.Context,
	vectorStoreID string,
) (openai.VectorStoreDeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storesDeleted = append(m.storesDeleted, vectorStoreID)
	return openai.VectorStoreDeleteResponse{ID: vectorStoreID, Deleted: true}, nil
}

func strconvItoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func testOpenAI(t testing.TB, client *mockOpenAIClient) *OpenAI {
	t.Helper()
	cfg := DefaultConfig().OpenAI
	cfg.Token = "test-token"
	cfg.AssistantID = "asst_test"
	cfg.PollInterval = time.Millisecond
	cfg.MaxRequestsPerSecond = 1000
	ai := newOpenAI(cfg, testLogger(t).Handler(), nil)
	ai.client = client
	return ai
}
