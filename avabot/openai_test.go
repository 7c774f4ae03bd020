package avabot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolling(t *testing.T) {
	t.Helper()
	original := timeAfter
	timeAfter = func(_ time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	t.Cleanup(
		func() {
			timeAfter = original
		},
	)
}

func TestPollRunWaitsForTerminalStatus(t *testing.T) {
	fastPolling(t)

	client := newMockOpenAIClient("answer")
	var polls atomic.Int64
	client.retrieveRunFunc = func(
		_ context.Context,
		threadID string,
		runID string,
	) (openai.Run, error) {
		status := openai.RunStatusInProgress
		if polls.Add(1) >= 3 {
			status = openai.RunStatusCompleted
		}
		return openai.Run{ID: runID, ThreadID: threadID, Status: status}, nil
	}
	ai := testOpenAI(t, client)

	run, err := ai.PollRun(context.Background(), "thread-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, openai.RunStatusCompleted, run.Status)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestPollRunContextCanceled(t *testing.T) {
	client := newMockOpenAIClient("answer")
	client.retrieveRunFunc = func(
		_ context.Context,
		threadID string,
		runID string,
	) (openai.Run, error) {
		return openai.Run{
			ID:       runID,
			ThreadID: threadID,
			Status:   openai.RunStatusInProgress,
		}, nil
	}
	ai := testOpenAI(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ai.PollRun(ctx, "thread-1", "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAskInThreadRetriesFailedRuns(t *testing.T) {
	fastPolling(t)

	client := newMockOpenAIClient("eventually works")
	var retrievals atomic.Int64
	client.retrieveRunFunc = func(
		_ context.Context,
		threadID string,
		runID string,
	) (openai.Run, error) {
		status := openai.RunStatusCompleted
		if retrievals.Add(1) == 1 {
			status = openai.RunStatusFailed
		}
		return openai.Run{ID: runID, ThreadID: threadID, Status: status}, nil
	}
	ai := testOpenAI(t, client)

	answer, err := ai.AskInThread(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "eventually works", answer)
	assert.Equal(t, int64(2), client.runsCreated.Load())
}

func TestAskInThreadGivesUpAfterRetries(t *testing.T) {
	fastPolling(t)

	client := newMockOpenAIClient("never seen")
	client.runStatus = openai.RunStatusExpired
	ai := testOpenAI(t, client)

	_, err := ai.AskInThread(context.Background(), "thread-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int64(ai.config.RunRetries), client.runsCreated.Load())
}

func TestAskInThreadCreateRunErrorRetried(t *testing.T) {
	client := newMockOpenAIClient("never seen")
	client.createRunErr = errors.New("rate limited")
	ai := testOpenAI(t, client)

	_, err := ai.AskInThread(context.Background(), "thread-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestVerifyAssistantCachesResult(t *testing.T) {
	client := newMockOpenAIClient("answer")
	ai := testOpenAI(t, client)

	ctx := context.Background()
	require.NoError(t, ai.VerifyAssistant(ctx))
	require.NotNil(t, ai.assistant)
	assert.Equal(t, "asst_test", ai.assistant.ID)

	// second call uses the cached assistant
	first := ai.assistant
	require.NoError(t, ai.VerifyAssistant(ctx))
	assert.Same(t, first, ai.assistant)
}

func TestLatestAssistantMessage(t *testing.T) {
	client := newMockOpenAIClient("the latest answer")
	ai := testOpenAI(t, client)

	answer, err := ai.LatestAssistantMessage(
		context.Background(),
		"thread-1",
	)
	require.NoError(t, err)
	assert.Equal(t, "the latest answer", answer)
}

func TestCreateThreadSeedsFirstMessage(t *testing.T) {
	client := newMockOpenAIClient("answer")
	ai := testOpenAI(t, client)

	threadID, err := ai.CreateThread(context.Background(), "first message")
	require.NoError(t, err)
	assert.NotEmpty(t, threadID)
	assert.Equal(t, int64(1), client.threadsCreated.Load())
}
