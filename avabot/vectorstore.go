package avabot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// vectorStoreNamePrefix names the stores this bot creates, so stale
// ones are recognizable in the OpenAI dashboard.
const vectorStoreNamePrefix = "avabot-knowledge"

// VectorStoreSync rebuilds the assistant's vector store from the
// knowledge directory. Each sync uploads the current knowledge files,
// creates a fresh store, points the assistant's file search at it, and
// deletes the store it replaced. Backup files are excluded.
type VectorStoreSync struct {
	openai    *OpenAI
	knowledge *KnowledgeStore
	logger    *slog.Logger
}

func newVectorStoreSync(
	ai *OpenAI,
	knowledge *KnowledgeStore,
	logger *slog.Logger,
) *VectorStoreSync {
	return &VectorStoreSync{
		openai:    ai,
		knowledge: knowledge,
		logger:    logger.With(loggerNameKey, "vector_store_sync"),
	}
}

// Sync replaces the assistant's vector store with one built from the
// current knowledge files. No-op when the knowledge directory has no
// files to upload.
func (v *VectorStoreSync) Sync(ctx context.Context) error {
	files, err := v.knowledgeFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		v.logger.Warn(
			"no knowledge files to upload, skipping sync",
			"dir", v.knowledge.Dir(),
		)
		return nil
	}

	oldStoreID, err := v.openai.NewestVectorStore(ctx)
	if err != nil {
		v.logger.Warn("unable to find existing vector store", tint.Err(err))
	}

	fileIDs := make([]string, 0, len(files))
	for _, path := range files {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("error reading knowledge file: %w", readErr)
		}
		fileID, uploadErr := v.openai.UploadFile(
			ctx,
			filepath.Base(path),
			data,
		)
		if uploadErr != nil {
			return fmt.Errorf(
				"error uploading %s: %w",
				filepath.Base(path),
				uploadErr,
			)
		}
		fileIDs = append(fileIDs, fileID)
	}

	storeName := fmt.Sprintf(
		"%s-%s",
		vectorStoreNamePrefix,
		time.Now().UTC().Format("20060102150405"),
	)
	storeID, err := v.openai.CreateVectorStore(ctx, storeName, fileIDs)
	if err != nil {
		return fmt.Errorf("error creating vector store: %w", err)
	}
	if err = v.openai.LinkVectorStore(ctx, storeID); err != nil {
		return fmt.Errorf("error linking vector store: %w", err)
	}
	v.logger.Info(
		"replaced vector store",
		"store_id", storeID,
		"store_name", storeName,
		"files", len(fileIDs),
	)

	if oldStoreID != "" && oldStoreID != storeID {
		if err = v.openai.DeleteVectorStore(ctx, oldStoreID); err != nil {
			v.logger.Warn(
				"unable to delete old vector store",
				tint.Err(err),
				"store_id", oldStoreID,
			)
		}
	}
	return nil
}

// knowledgeFiles lists regular files in the knowledge directory,
// excluding backups.
func (v *VectorStoreSync) knowledgeFiles() ([]string, error) {
	entries, err := os.ReadDir(v.knowledge.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading knowledge dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}
		files = append(files, filepath.Join(v.knowledge.Dir(), entry.Name()))
	}
	return files, nil
}
