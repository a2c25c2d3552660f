package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
)

func TestFileJournal_AppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "orders.jsonl")
	j, err := NewFileJournal(path, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	number := "1042"
	doc := &domain.CanonicalOrder{
		Event:          domain.EventOrderComplete,
		IdempotencyKey: "k-1",
		Order:          domain.OrderInfo{OrderID: "rec1", OrderNumber: &number},
		RawPayload:     map[string]any{"huge": "payload"},
	}
	entry, err := NewEntry(doc, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, j.Append(ctx, entry))
	require.NoError(t, j.Append(ctx, &domain.JournalEntry{IdempotencyKey: "other", EventType: "order.partial", Document: []byte(`{}`)}))
	require.NoError(t, j.Append(ctx, &domain.JournalEntry{IdempotencyKey: "k-1", EventType: "order.paid", Document: []byte(`{"status":"paid"}`)}))

	entries, err := j.ListByKey(ctx, "k-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "order.complete", entries[0].EventType)
	assert.Equal(t, "1042", *entries[0].OrderNumber)
	assert.NotContains(t, string(entries[0].Document), "_raw_payload")
	assert.Contains(t, string(entries[0].Document), `"order_id":"rec1"`)
	assert.Equal(t, "order.paid", entries[1].EventType)
	assert.JSONEq(t, `{"status":"paid"}`, string(entries[1].Document))
}

func TestFileJournal_MissingFileIsEmpty(t *testing.T) {
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "orders.jsonl"), zap.NewNop())
	require.NoError(t, err)

	entries, err := j.ListByKey(context.Background(), "k-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileJournal_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	j, err := NewFileJournal(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), &domain.JournalEntry{IdempotencyKey: "k", EventType: "order.partial", Document: []byte(`{}`)}))

	entries, err := j.ListByKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileJournal_ConcurrentAppends(t *testing.T) {
	j, err := NewFileJournal(filepath.Join(t.TempDir(), "orders.jsonl"), zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.Append(context.Background(), &domain.JournalEntry{IdempotencyKey: "burst", EventType: "order.partial", Document: []byte(`{"a":1}`)}))
		}()
	}
	wg.Wait()

	entries, err := j.ListByKey(context.Background(), "burst")
	require.NoError(t, err)
	assert.Len(t, entries, 25)
}
