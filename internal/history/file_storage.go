package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// fileTimeLayout prefixes every history file name; CleanupOldEntries parses
// the first 15 characters back.
const fileTimeLayout = "20060102-150405.000000000"

// FileStorage implements Storage using the filesystem
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
	now     func() time.Time
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{
		baseDir: baseDir,
		now:     time.Now,
	}
}

// DefaultStorageDir returns the default storage directory
func DefaultStorageDir() string {
	// Explicit override, used by tests and containers
	if dir := os.Getenv("DAYLIGHT_ROTATOR_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "daylight-rotator")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "daylight-rotator")
	}

	// Last resort: use temp directory
	return filepath.Join(os.TempDir(), "daylight-rotator")
}

// Dir returns the storage root.
func (fs *FileStorage) Dir() string {
	return fs.baseDir
}

// RecordStep implements rotation.Recorder. It appends an entry and updates
// the secret's summary.
func (fs *FileStorage) RecordStep(ctx context.Context, record rotation.StepRecord) error {
	if record.SecretID == "" {
		return fmt.Errorf("history record has no secret id")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if record.StartedAt.IsZero() {
		record.StartedAt = fs.now()
	}
	entry := Entry{
		ID:         fmt.Sprintf("%d-%s", record.StartedAt.UnixNano(), record.Step),
		StepRecord: record,
	}

	historyDir := filepath.Join(fs.baseDir, "history", sanitizeFilename(record.SecretID))
	if err := os.MkdirAll(historyDir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	filename := filepath.Join(historyDir, fmt.Sprintf("%s-%s.json",
		record.StartedAt.UTC().Format(fileTimeLayout), sanitizeFilename(string(record.Step))))
	if err := writeJSON(filename, entry); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}

	summary, err := fs.readSummary(record.SecretID)
	if err != nil {
		return err
	}
	if summary == nil {
		summary = &Summary{}
	}
	summary.apply(record)

	statusDir := filepath.Join(fs.baseDir, "status")
	if err := os.MkdirAll(statusDir, 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	if err := writeJSON(fs.summaryPath(record.SecretID), summary); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// GetSummary retrieves the rolled-up status for a secret
func (fs *FileStorage) GetSummary(secretID string) (*Summary, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	summary, err := fs.readSummary(secretID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, fmt.Errorf("no history found for secret %s", secretID)
	}
	return summary, nil
}

func (fs *FileStorage) readSummary(secretID string) (*Summary, error) {
	data, err := os.ReadFile(fs.summaryPath(secretID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &summary, nil
}

func (fs *FileStorage) summaryPath(secretID string) string {
	return filepath.Join(fs.baseDir, "status", sanitizeFilename(secretID)+".json")
}

// GetHistory retrieves step history for a secret, newest first
func (fs *FileStorage) GetHistory(secretID string, limit int) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readHistory(sanitizeFilename(secretID), limit)
}

func (fs *FileStorage) readHistory(dirName string, limit int) ([]Entry, error) {
	historyDir := filepath.Join(fs.baseDir, "history", dirName)
	files, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	// Sort files by name (newest first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() > files[j].Name()
	})

	entries := []Entry{}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(historyDir, file.Name()))
		if err != nil {
			continue // Skip files that can't be read
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue // Skip invalid JSON files
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// GetAllHistory retrieves step history for all secrets, newest first
func (fs *FileStorage) GetAllHistory(limit int) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	secretDirs, err := os.ReadDir(filepath.Join(fs.baseDir, "history"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	all := []Entry{}
	for _, dir := range secretDirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := fs.readHistory(dir.Name(), -1)
		if err != nil {
			continue // Skip secrets with errors
		}
		all = append(all, entries...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CleanupOldEntries removes history entries older than the specified duration
func (fs *FileStorage) CleanupOldEntries(olderThan time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history")
	cutoff := fs.now().Add(-olderThan)

	var failed []string
	err := filepath.WalkDir(historyDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		name := filepath.Base(path)
		if len(name) < 15 {
			return nil
		}
		stamp, err := time.Parse("20060102-150405", name[:15])
		if err != nil || !stamp.Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			failed = append(failed, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove %d old history files: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
