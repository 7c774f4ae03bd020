package avabot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	knowledgeBackupSuffix     = ".bak"
	// nanosecond precision keeps appends within the same second from
	// overwriting each other's backup
	knowledgeBackupTimeFormat = "20060102_150405.000000000"
)

// PersistenceError indicates the knowledge base file could not be
// written (disk full, permissions). Callers log it and continue, rather
// than crashing the process.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("knowledge store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// QAEntry is a single question/answer pair harvested from a forum post.
// Immutable once stored.
type QAEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// faqDocument is the on-disk representation of the knowledge base.
type faqDocument struct {
	FAQ []QAEntry `json:"faq"`
}

// KnowledgeStore owns the on-disk FAQ JSON file. Entries are kept in
// insertion order, keyed by question; appending an existing question
// overwrites its answer in place (last write wins).
//
// Every successful Append rewrites the full file atomically: the new
// content is written to a temp file in the same directory, synced, then
// renamed over the target. The previous content is copied to a
// timestamped .bak file first, with at most maxBackups backups retained.
type KnowledgeStore struct {
	path       string
	maxBackups int
	logger     *slog.Logger

	mu      sync.Mutex
	entries []QAEntry
	index   map[string]int
}

// NewKnowledgeStore loads the knowledge base from path, creating the
// parent directory if needed. A missing file yields an empty store; a
// file that exists but can't be read or parsed is an error.
func NewKnowledgeStore(
	path string,
	maxBackups int,
	logger *slog.Logger,
) (*KnowledgeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KnowledgeStore{
		path:       path,
		maxBackups: maxBackups,
		logger:     logger.With(loggerNameKey, "knowledge_store"),
		index:      map[string]int{},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &PersistenceError{Path: path, Op: "mkdir", Err: err}
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	k.logger.Info("knowledge store loaded", "path", path, "entries", len(k.entries))
	return k, nil
}

func (k *KnowledgeStore) load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &PersistenceError{Path: k.path, Op: "read", Err: err}
	}
	var doc faqDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("malformed knowledge base file %s: %w", k.path, err)
	}
	for _, entry := range doc.FAQ {
		if i, seen := k.index[entry.Question]; seen {
			k.entries[i].Answer = entry.Answer
			continue
		}
		k.index[entry.Question] = len(k.entries)
		k.entries = append(k.entries, entry)
	}
	return nil
}

// Append inserts or overwrites the entry for question and persists the
// full store. On persistence failure the in-memory state is rolled back
// and a *PersistenceError is returned.
func (k *KnowledgeStore) Append(question string, answer string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	prevEntries := make([]QAEntry, len(k.entries))
	copy(prevEntries, k.entries)

	if i, ok := k.index[question]; ok {
		k.entries[i].Answer = answer
	} else {
		k.index[question] = len(k.entries)
		k.entries = append(k.entries, QAEntry{Question: question, Answer: answer})
	}

	if err := k.persist(); err != nil {
		k.entries = prevEntries
		k.index = map[string]int{}
		for i, entry := range k.entries {
			k.index[entry.Question] = i
		}
		return err
	}
	return nil
}

// Lookup returns the answer stored for question, if any.
func (k *KnowledgeStore) Lookup(question string) (string, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	i, ok := k.index[question]
	if !ok {
		return "", false
	}
	return k.entries[i].Answer, true
}

// Entries returns a copy of the stored entries, in insertion order.
func (k *KnowledgeStore) Entries() []QAEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries := make([]QAEntry, len(k.entries))
	copy(entries, k.entries)
	return entries
}

// Len returns the number of stored entries.
func (k *KnowledgeStore) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Path returns the location of the knowledge base file.
func (k *KnowledgeStore) Path() string {
	return k.path
}

// Dir returns the directory holding the knowledge base file.
func (k *KnowledgeStore) Dir() string {
	return filepath.Dir(k.path)
}

// persist writes the full store to a temp file in the target directory,
// syncs it, backs up the current file, then renames the temp file over
// the target. A crash at any point leaves either the old or the new
// file intact, never a partial one.
func (k *KnowledgeStore) persist() error {
	data, err := json.MarshalIndent(faqDocument{FAQ: k.entries}, "", "    ")
	if err != nil {
		return &PersistenceError{Path: k.path, Op: "encode", Err: err}
	}

	dir := filepath.Dir(k.path)
	tmp, err := os.CreateTemp(dir, ".faq-*.json")
	if err != nil {
		return &PersistenceError{Path: k.path, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &PersistenceError{Path: k.path, Op: "write", Err: err}
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &PersistenceError{Path: k.path, Op: "sync", Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &PersistenceError{Path: k.path, Op: "close", Err: err}
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return &PersistenceError{Path: k.path, Op: "chmod", Err: err}
	}

	if err = k.backupCurrent(); err != nil {
		// Backups are best-effort: losing one never blocks an append
		k.logger.Warn("backup failed", tint.Err(err))
	}

	if err = os.Rename(tmpName, k.path); err != nil {
		return &PersistenceError{Path: k.path, Op: "rename", Err: err}
	}
	return nil
}

// backupCurrent copies the current knowledge base file to a timestamped
// .bak sibling and prunes old backups beyond maxBackups.
func (k *KnowledgeStore) backupCurrent() error {
	if k.maxBackups <= 0 {
		return nil
	}
	src, err := os.Open(k.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer src.Close()

	backupPath := fmt.Sprintf(
		"%s.%s%s",
		k.path,
		time.Now().UTC().Format(knowledgeBackupTimeFormat),
		knowledgeBackupSuffix,
	)
	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err = dst.Close(); err != nil {
		return err
	}
	k.logger.Info("backup created", "path", backupPath)
	return k.pruneBackups()
}

func (k *KnowledgeStore) pruneBackups() error {
	pattern := fmt.Sprintf(
		"%s.*%s",
		filepath.Base(k.path),
		knowledgeBackupSuffix,
	)
	backups, err := filepath.Glob(filepath.Join(filepath.Dir(k.path), pattern))
	if err != nil {
		return err
	}
	if len(backups) <= k.maxBackups {
		return nil
	}
	// Timestamped names sort chronologically
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-k.maxBackups] {
		if removeErr := os.Remove(old); removeErr != nil {
			k.logger.Error("failed to remove old backup", "path", old, tint.Err(removeErr))
		} else {
			k.logger.Info("removed old backup", "path", old)
		}
	}
	return nil
}
