package ledger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/pkg/errors"
)

// memStore is an in-memory ledger. Order numbers are assigned on create unless
// delayNumbers is set, in which case they appear on the first Read.
type memStore struct {
	mu           sync.Mutex
	records      map[string]*domain.LedgerRecord
	next         int
	delayNumbers bool
	neverNumber  bool
	createDelay  time.Duration
	createErr    error
	creates      int
	reads        int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*domain.LedgerRecord{}, next: 1000}
}

func (m *memStore) Find(_ context.Context, c domain.LedgerCriteria) (*domain.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if c.IdempotencyKey != "" && r.StringField(domain.LedgerFieldIdempotencyKey) != c.IdempotencyKey {
			continue
		}
		if c.OrderNumber != "" && (r.OrderNumber == nil || *r.OrderNumber != c.OrderNumber) {
			continue
		}
		if c.PaymentSessionID != "" && r.StringField(domain.LedgerFieldPaymentSessionID) != c.PaymentSessionID {
			continue
		}
		return copyRecord(r), nil
	}
	return nil, nil
}

func (m *memStore) Create(_ context.Context, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	if m.createDelay > 0 {
		time.Sleep(m.createDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.creates++
	m.next++
	r := &domain.LedgerRecord{ID: fmt.Sprintf("rec%d", m.next), Fields: map[string]interface{}{}}
	for k, v := range fields {
		r.Fields[k] = v
	}
	if !m.delayNumbers && !m.neverNumber {
		n := fmt.Sprint(m.next)
		r.OrderNumber = &n
	}
	m.records[r.ID] = r
	return copyRecord(r), nil
}

func (m *memStore) Update(_ context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, &errors.ErrNotFound{Resource: "ledger_record", ID: id}
	}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return copyRecord(r), nil
}

func (m *memStore) Read(_ context.Context, id string) (*domain.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	if r.OrderNumber == nil && m.delayNumbers {
		n := r.ID[len("rec"):]
		r.OrderNumber = &n
	}
	return copyRecord(r), nil
}

func (m *memStore) seed(id, key, number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &domain.LedgerRecord{ID: id, Fields: map[string]interface{}{domain.LedgerFieldIdempotencyKey: key}}
	if number != "" {
		r.OrderNumber = &number
	}
	m.records[id] = r
}

func copyRecord(r *domain.LedgerRecord) *domain.LedgerRecord {
	out := *r
	out.Fields = map[string]interface{}{}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return &out
}

func newTestCoordinator(store Store, locker Locker) *Coordinator {
	c := NewCoordinator(store, locker, 10*time.Millisecond, time.Second, nil, zap.NewNop())
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

func TestEnsureOrderRecord_RepeatedEnsure(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, nil)

	first, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "dup-1"})
	require.NoError(t, err)
	second, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "dup-1"})
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	require.NotNil(t, first.OrderID)
	assert.Equal(t, *first.OrderID, *second.OrderID)
	assert.Equal(t, *first.OrderNumber, *second.OrderNumber)
	assert.Equal(t, 1, store.creates)
}

func TestEnsureOrderRecord_LedgerDisabled(t *testing.T) {
	c := newTestCoordinator(nil, nil)

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.False(t, c.Enabled())
	raw, err := json.Marshal(identity)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id": null, "order_number": null, "created": false, "enabled": false}`, string(raw))
}

func TestEnsureOrderRecord_RequiresKey(t *testing.T) {
	c := newTestCoordinator(newMemStore(), nil)

	_, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "  "})

	var verr *errors.ErrValidation
	require.True(t, stderrors.As(err, &verr))
}

func TestEnsureOrderRecord_DelayedOrderNumber(t *testing.T) {
	store := newMemStore()
	store.delayNumbers = true
	c := newTestCoordinator(store, nil)

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "slow"})
	require.NoError(t, err)

	require.NotNil(t, identity.OrderNumber)
	assert.Equal(t, "1001", *identity.OrderNumber)
	assert.Equal(t, 1, store.reads)
}

func TestEnsureOrderRecord_OrderNumberStaysNullAfterOneRead(t *testing.T) {
	store := newMemStore()
	store.neverNumber = true
	c := newTestCoordinator(store, nil)

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "never"})
	require.NoError(t, err)

	assert.Nil(t, identity.OrderNumber)
	assert.NotNil(t, identity.OrderID)
	assert.True(t, identity.Created)
	assert.Equal(t, 1, store.reads)
}

func TestEnsureOrderRecord_FindsByOrderNumber(t *testing.T) {
	store := newMemStore()
	store.seed("recA", "", "77")
	c := newTestCoordinator(store, nil)

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "fresh", OrderNumber: "77"})
	require.NoError(t, err)

	assert.False(t, identity.Created)
	assert.Equal(t, "recA", *identity.OrderID)
	assert.Equal(t, 0, store.creates)
}

func TestEnsureOrderRecord_IgnoresOrderNumberOfAnotherSession(t *testing.T) {
	store := newMemStore()
	store.seed("recB", "someone-else", "5")
	c := newTestCoordinator(store, nil)

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "mine", OrderNumber: "5"})
	require.NoError(t, err)

	assert.True(t, identity.Created)
	assert.NotEqual(t, "recB", *identity.OrderID)
	assert.Equal(t, 1, store.creates)
}

func TestEnsureOrderRecord_ConcurrentCallsCreateOnce(t *testing.T) {
	store := newMemStore()
	store.createDelay = 30 * time.Millisecond
	c := newTestCoordinator(store, nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "burst"})
			assert.NoError(t, err)
			if identity.OrderID != nil {
				ids[i] = *identity.OrderID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.creates)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestEnsureOrderRecord_CreateFailureSurfaces(t *testing.T) {
	store := newMemStore()
	store.createErr = stderrors.New("ledger down")
	c := newTestCoordinator(store, nil)

	_, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger down")
}

// busyLocker reports the lock as held elsewhere; the holder's record appears
// on the first poll.
type busyLocker struct {
	store *memStore
}

func (l *busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestEnsureOrderRecord_WaitsForLockHolder(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &busyLocker{store: store})
	c.sleep = func(context.Context, time.Duration) {
		store.seed("recOther", "locked", "900")
	}

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "locked"})
	require.NoError(t, err)

	assert.False(t, identity.Created)
	assert.Equal(t, "recOther", *identity.OrderID)
	assert.Equal(t, 0, store.creates)
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, stderrors.New("redis unreachable")
}

func TestEnsureOrderRecord_LockErrorDoesNotBlock(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, failingLocker{})

	identity, err := c.EnsureOrderRecord(context.Background(), EnsureInput{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, identity.Created)
}

func TestCoordinator_DisabledFindAndUpdate(t *testing.T) {
	c := newTestCoordinator(nil, nil)

	_, err := c.Find(context.Background(), domain.LedgerCriteria{IdempotencyKey: "k"})
	var unavailable *errors.ErrUnavailable
	assert.True(t, stderrors.As(err, &unavailable))

	_, err = c.Update(context.Background(), "rec1", map[string]interface{}{"status": "paid"})
	assert.True(t, stderrors.As(err, &unavailable))
}
