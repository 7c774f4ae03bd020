package avabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	assistantVersion = "v2"
	openaiUserRole   = "user"
)

var (
	openaiListMessageOrderDescending = "desc"
	openaiListMessageLimit           = 1
	openaiListVectorStoreLimit       = 1
	openaiAssistantRoleAssistant     = "assistant"

	// timeAfter is swappable so tests don't sleep through poll intervals
	timeAfter = time.After
)

var errNoAssistantMessage = errors.New("no assistant message in thread")

// OpenAI wraps the OpenAI client used for assistant threads, runs, file
// uploads and vector store management. All requests pass through a
// shared rate limiter.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter

	// assistant is loaded on startup - it's not really used, other
	// than to verify the configured assistant exists.
	assistant *openai.Assistant
}

func newOpenAI(
	config *OpenAIConfig,
	handler slog.Handler,
	httpClient *http.Client,
) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: slog.New(handler).With(loggerNameKey, "openai"),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.MaxRequestsPerSecond,
		),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	clientCfg.AssistantVersion = assistantVersion
	if config.OrgID != "" {
		clientCfg.OrgID = config.OrgID
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	return o
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	if o.requestLimiter == nil {
		return nil
	}
	return o.requestLimiter.Wait(ctx)
}

// VerifyAssistant retrieves the configured assistant, caching it as a
// startup sanity check.
func (o *OpenAI) VerifyAssistant(ctx context.Context) error {
	if o.assistant != nil {
		return nil
	}
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return err
	}
	assistant, err := o.client.RetrieveAssistant(ctx, o.config.AssistantID)
	if err != nil {
		return fmt.Errorf("error retrieving assistant %s: %w", o.config.AssistantID, err)
	}
	o.assistant = &assistant
	o.logger.InfoContext(
		ctx,
		"assistant verified",
		"assistant_id", assistant.ID,
		"model", assistant.Model,
	)
	return nil
}

// CreateThread creates a new assistant thread seeded with the given
// user message, returning the thread ID.
func (o *OpenAI) CreateThread(ctx context.Context, firstMessage string) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	thread, err := o.client.CreateThread(
		ctx,
		openai.ThreadRequest{
			Messages: []openai.ThreadMessage{
				{
					Role:    openai.ThreadMessageRoleUser,
					Content: firstMessage,
				},
			},
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "error creating thread", tint.Err(err))
		return "", err
	}
	o.logger.InfoContext(ctx, "created thread", "thread_id", thread.ID)
	return thread.ID, nil
}

// AddMessage appends a user message to an existing thread.
func (o *OpenAI) AddMessage(
	ctx context.Context,
	threadID string,
	content string,
) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	msg, err := o.client.CreateMessage(
		ctx,
		threadID,
		openai.MessageRequest{
			Role:    openaiUserRole,
			Content: content,
		},
	)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error creating message",
			"thread_id", threadID,
			tint.Err(err),
		)
		return "", err
	}
	return msg.ID, nil
}

// CreateRun starts an assistant run on the given thread.
func (o *OpenAI) CreateRun(ctx context.Context, threadID string) (openai.Run, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return openai.Run{}, err
	}
	run, err := o.client.CreateRun(
		ctx,
		threadID,
		openai.RunRequest{AssistantID: o.config.AssistantID},
	)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error creating run",
			"thread_id", threadID,
			tint.Err(err),
		)
	}
	return run, err
}

// PollRun retrieves the run until it reaches a terminal status, sleeping
// PollInterval between checks.
func (o *OpenAI) PollRun(
	ctx context.Context,
	threadID string,
	runID string,
) (openai.Run, error) {
	var run openai.Run
	for {
		if err := o.waitOnRequestLimiter(ctx); err != nil {
			return run, err
		}
		var err error
		run, err = o.client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			o.logger.ErrorContext(
				ctx,
				"error retrieving run",
				"thread_id", threadID,
				"run_id", runID,
				tint.Err(err),
			)
			return run, err
		}
		o.logger.DebugContext(
			ctx,
			"run status",
			"thread_id", threadID,
			"run_id", runID,
			"status", run.Status,
		)
		switch run.Status {
		case openai.RunStatusCompleted,
			openai.RunStatusFailed,
			openai.RunStatusCancelled,
			openai.RunStatusExpired,
			openai.RunStatusIncomplete:
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-timeAfter(o.config.PollInterval):
			//
		}
	}
}

// AskInThread runs the assistant against the given thread and returns
// the answer text. Failed or expired runs are retried up to
// [OpenAIConfig.RunRetries] times before giving up.
func (o *OpenAI) AskInThread(
	ctx context.Context,
	threadID string,
) (string, error) {
	logger := ContextLogger(ctx, o.logger)

	var lastErr error
	for attempt := 1; attempt <= o.config.RunRetries; attempt++ {
		run, err := o.CreateRun(ctx, threadID)
		if err != nil {
			lastErr = err
			logger.Warn(
				"error creating run",
				tint.Err(err),
				"attempt", attempt,
			)
			continue
		}
		run, err = o.PollRun(ctx, threadID, run.ID)
		if err != nil {
			return "", err
		}
		if run.Status != openai.RunStatusCompleted {
			lastErr = fmt.Errorf("run ended with status %q", run.Status)
			logger.Warn(
				"run did not complete",
				"status", run.Status,
				"attempt", attempt,
			)
			continue
		}
		answer, err := o.LatestAssistantMessage(ctx, threadID)
		if err != nil {
			if errors.Is(err, errNoAssistantMessage) {
				lastErr = err
				continue
			}
			return "", err
		}
		return answer, nil
	}
	return "", fmt.Errorf(
		"assistant run failed after %d attempts: %w",
		o.config.RunRetries,
		lastErr,
	)
}

// LatestAssistantMessage returns the text of the newest assistant
// message in the thread. The bot is the thread's only writer, so after
// a completed run this is that run's answer.
func (o *OpenAI) LatestAssistantMessage(
	ctx context.Context,
	threadID string,
) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	messages, err := o.client.ListMessage(
		ctx,
		threadID,
		&openaiListMessageLimit,
		&openaiListMessageOrderDescending,
		nil,
		nil,
	)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error listing messages",
			"thread_id", threadID,
			tint.Err(err),
		)
		return "", err
	}
	for _, msg := range messages.Messages {
		if msg.Role != openaiAssistantRoleAssistant {
			continue
		}
		for _, content := range msg.Content {
			if content.Text != nil && content.Text.Value != "" {
				return content.Text.Value, nil
			}
		}
	}
	return "", errNoAssistantMessage
}

// UploadFile uploads file bytes with the 'assistants' purpose, returning
// the OpenAI file ID.
func (o *OpenAI) UploadFile(
	ctx context.Context,
	name string,
	data []byte,
) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	file, err := o.client.CreateFileBytes(
		ctx,
		openai.FileBytesRequest{
			Name:    name,
			Bytes:   data,
			Purpose: openai.PurposeAssistants,
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "error uploading file", "name", name, tint.Err(err))
		return "", err
	}
	o.logger.InfoContext(ctx, "uploaded file", "name", name, "file_id", file.ID)
	return file.ID, nil
}

// CreateVectorStore creates a vector store from the given file IDs.
func (o *OpenAI) CreateVectorStore(
	ctx context.Context,
	name string,
	fileIDs []string,
) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	store, err := o.client.CreateVectorStore(
		ctx,
		openai.VectorStoreRequest{Name: name, FileIDs: fileIDs},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "error creating vector store", tint.Err(err))
		return "", err
	}
	o.logger.InfoContext(ctx, "created vector store", "vector_store_id", store.ID)
	return store.ID, nil
}

// NewestVectorStore returns the ID of the most recently created vector
// store, or an empty string if none exist.
func (o *OpenAI) NewestVectorStore(ctx context.Context) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	stores, err := o.client.ListVectorStores(
		ctx,
		openai.Pagination{
			Limit: &openaiListVectorStoreLimit,
			Order: &openaiListMessageOrderDescending,
		},
	)
	if err != nil {
		o.logger.ErrorContext(ctx, "error listing vector stores", tint.Err(err))
		return "", err
	}
	if len(stores.VectorStores) == 0 {
		return "", nil
	}
	return stores.VectorStores[0].ID, nil
}

// DeleteVectorStore deletes the given vector store.
func (o *OpenAI) DeleteVectorStore(ctx context.Context, vectorStoreID string) error {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return err
	}
	if _, err := o.client.DeleteVectorStore(ctx, vectorStoreID); err != nil {
		o.logger.ErrorContext(
			ctx,
			"error deleting vector store",
			"vector_store_id", vectorStoreID,
			tint.Err(err),
		)
		return err
	}
	o.logger.InfoContext(ctx, "deleted vector store", "vector_store_id", vectorStoreID)
	return nil
}

// LinkVectorStore points the assistant's file_search tool at the given
// vector store.
func (o *OpenAI) LinkVectorStore(ctx context.Context, vectorStoreID string) error {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return err
	}
	_, err := o.client.ModifyAssistant(
		ctx,
		o.config.AssistantID,
		openai.AssistantRequest{
			ToolResources: &openai.AssistantToolResource{
				FileSearch: &openai.AssistantToolFileSearch{
					VectorStoreIDs: []string{vectorStoreID},
				},
			},
		},
	)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error linking vector store to assistant",
			"vector_store_id", vectorStoreID,
			"assistant_id", o.config.AssistantID,
			tint.Err(err),
		)
		return err
	}
	o.logger.InfoContext(
		ctx,
		"linked vector store to assistant",
		"vector_store_id", vectorStoreID,
		"assistant_id", o.config.AssistantID,
	)
	return nil
}

// OpenAIClient defines the methods used from `openai.Client`, to enable
// testing/mocking.
type OpenAIClient interface {
	RetrieveAssistant(
		ctx context.Context,
		assistantID string,
	) (openai.Assistant, error)
	ModifyAssistant(
		ctx context.Context,
		assistantID string,
		request openai.AssistantRequest,
	) (openai.Assistant, error)
	CreateThread(
		ctx context.Context,
		request openai.ThreadRequest,
	) (openai.Thread, error)
	CreateMessage(
		ctx context.Context,
		threadID string,
		request openai.MessageRequest,
	) (openai.Message, error)
	ListMessage(
		ctx context.Context,
		threadID string,
		limit *int,
		order *string,
		after *string,
		before *string,
	) (openai.MessagesList, error)
	CreateRun(
		ctx context.Context,
		threadID string,
		request openai.RunRequest,
	) (openai.Run, error)
	RetrieveRun(
		ctx context.Context,
		threadID string,
		runID string,
	) (openai.Run, error)
	CreateFileBytes(
		ctx context.Context,
		request openai.FileBytesRequest,
	) (openai.File, error)
	CreateVectorStore(
		ctx context.Context,
		request openai.VectorStoreRequest,
	) (openai.VectorStore, error)
	ListVectorStores(
		ctx context.Context,
		pagination openai.Pagination,
	) (openai.VectorStoresList, error)
	DeleteVectorStore(
		ctx context.Context,
		vectorStoreID string,
	) (openai.VectorStoreDeleteResponse, error)
}
