package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
)

// maxLine bounds one journal line; documents carrying unplaced blobs are large
const maxLine = 32 << 20

type fileLine struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	OrderNumber    *string         `json:"order_number"`
	Document       json.RawMessage `json:"document"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FileJournal appends entries as JSON lines to a single file
type FileJournal struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

func NewFileJournal(path string, logger *zap.Logger) (*FileJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	return &FileJournal{path: path, logger: logger}, nil
}

func (j *FileJournal) Append(_ context.Context, entry *domain.JournalEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(fileLine{
		ID:             entry.ID,
		IdempotencyKey: entry.IdempotencyKey,
		EventType:      entry.EventType,
		OrderNumber:    entry.OrderNumber,
		Document:       json.RawMessage(entry.Document),
		CreatedAt:      entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return f.Close()
}

// ListByKey returns the entries for one key in append order. Lines that do
// not decode are skipped.
func (j *FileJournal) ListByKey(_ context.Context, idempotencyKey string) ([]*domain.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var entries []*domain.JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	for n := 1; scanner.Scan(); n++ {
		var line fileLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			j.logger.Warn("Skipping unreadable journal line", zap.Int("line", n), zap.Error(err))
			continue
		}
		if line.IdempotencyKey != idempotencyKey {
			continue
		}
		entries = append(entries, &domain.JournalEntry{
			ID:             line.ID,
			IdempotencyKey: line.IdempotencyKey,
			EventType:      line.EventType,
			OrderNumber:    line.OrderNumber,
			Document:       []byte(line.Document),
			CreatedAt:      line.CreatedAt,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, nil
}
