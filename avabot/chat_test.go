package avabot

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatRelay(
	t *testing.T,
	session *mockDiscordSession,
	client *mockOpenAIClient,
	allowedChannels []string,
) *ChatRelay {
	t.Helper()
	config := DefaultConfig().Discord
	config.Token = "test-token"
	config.AllowedChannels = allowedChannels
	return newChatRelay(
		testDB(t),
		session,
		testOpenAI(t, client),
		config,
		testLogger(t),
	)
}

func userMessage(channelID string, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "msg-1",
		ChannelID: channelID,
		GuildID:   "guild-1",
		Content:   content,
		Author:    &discordgo.User{ID: "user-1", Username: "someone"},
	}
}

func TestChatRelayDisallowedChannelNeverCallsAssistant(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("should never be sent")
	relay := newTestChatRelay(t, session, client, []string{"allowed-1"})

	handler := relay.handlerMessageCreate(context.Background())
	handler(
		nil, &discordgo.MessageCreate{
			Message: userMessage("other-channel", "hello?"),
		},
	)

	assert.Zero(t, client.threadsCreated.Load())
	assert.Zero(t, client.messagesCreated.Load())
	assert.Zero(t, client.runsCreated.Load())
	assert.Empty(t, session.sentMessages())
	assert.Empty(t, session.sentReplies())
}

func TestChatRelayBotMessagesIgnored(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("nope")
	relay := newTestChatRelay(t, session, client, nil)

	msg := userMessage("chan-1", "hi")
	msg.Author.Bot = true
	handler := relay.handlerMessageCreate(context.Background())
	handler(nil, &discordgo.MessageCreate{Message: msg})

	assert.Zero(t, client.runsCreated.Load())
	assert.Empty(t, session.sentReplies())
}

func TestChatRelayRepliesWithAssistantAnswer(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("The answer is 42.")
	relay := newTestChatRelay(t, session, client, []string{"allowed-1"})

	err := relay.Relay(
		context.Background(),
		userMessage("allowed-1", "what is the answer?"),
	)
	require.NoError(t, err)

	assert.Equal(t, int64(1), client.threadsCreated.Load())
	assert.Equal(t, int64(1), client.runsCreated.Load())

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "allowed-1", replies[0].ChannelID)
	assert.Equal(t, "The answer is 42.", replies[0].Content)
	assert.Equal(t, int64(1), session.typingCalls.Load())
}

func TestChatRelayStripsCitations(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("See the FAQ【4:0†faq.json】 for more.")
	relay := newTestChatRelay(t, session, client, nil)

	require.NoError(
		t,
		relay.Relay(context.Background(), userMessage("chan-1", "where?")),
	)

	replies := session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "See the FAQ for more.", replies[0].Content)
}

func TestChatRelaySplitsLongAnswers(t *testing.T) {
	session := newMockDiscordSession()
	longAnswer := strings.Repeat("a", 2500)
	client := newMockOpenAIClient(longAnswer)
	relay := newTestChatRelay(t, session, client, nil)

	require.NoError(
		t,
		relay.Relay(context.Background(), userMessage("chan-1", "talk a lot")),
	)

	// first chunk is a reply, the rest are plain messages
	replies := session.sentReplies()
	messages := session.sentMessages()
	require.Len(t, replies, 1)
	require.Len(t, messages, 1)
	assert.LessOrEqual(t, len(replies[0].Content), discordMaxMessageLength)
	assert.Equal(t, longAnswer, replies[0].Content+messages[0].Content)
}

func TestChatRelayReusesThreadPerChannel(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("answer")
	relay := newTestChatRelay(t, session, client, nil)

	ctx := context.Background()
	require.NoError(t, relay.Relay(ctx, userMessage("chan-1", "first")))
	require.NoError(t, relay.Relay(ctx, userMessage("chan-1", "second")))
	require.NoError(t, relay.Relay(ctx, userMessage("chan-2", "other channel")))

	assert.Equal(t, int64(2), client.threadsCreated.Load())

	var mappings []ChannelThread
	require.NoError(t, relay.db.DB().Find(&mappings).Error)
	assert.Len(t, mappings, 2)
}

func TestChatRelayResetThreads(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("answer")
	relay := newTestChatRelay(t, session, client, nil)

	ctx := context.Background()
	require.NoError(t, relay.Relay(ctx, userMessage("chan-1", "first")))
	require.NoError(t, relay.ResetThreads(ctx))

	var count int64
	require.NoError(
		t,
		relay.db.DB().Model(&ChannelThread{}).Count(&count).Error,
	)
	assert.Zero(t, count)

	// the next message starts a fresh thread
	require.NoError(t, relay.Relay(ctx, userMessage("chan-1", "again")))
	assert.Equal(t, int64(2), client.threadsCreated.Load())
}

func TestChatRelayRecordsMessages(t *testing.T) {
	session := newMockDiscordSession()
	client := newMockOpenAIClient("answer")
	relay := newTestChatRelay(t, session, client, nil)

	require.NoError(
		t,
		relay.Relay(context.Background(), userMessage("chan-1", "hello")),
	)

	var recorded []DiscordMessage
	require.NoError(t, relay.db.DB().Find(&recorded).Error)
	require.Len(t, recorded, 1)
	assert.Equal(t, "hello", recorded[0].Content)
	assert.Equal(t, "user-1", recorded[0].UserID)
}
