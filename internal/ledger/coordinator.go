package ledger

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/pkg/errors"
)

const (
	lockTTL       = 10 * time.Second
	lockWaitPolls = 5
	lockPollDelay = 200 * time.Millisecond
)

// EnsureInput identifies the logical order to ensure
type EnsureInput struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderNumber    string `json:"order_number,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// Coordinator is the idempotent find-or-create over a Store. A nil store
// disables the ledger; ensure then returns the Disabled identity.
type Coordinator struct {
	store       Store
	locker      Locker
	lockTTL     time.Duration
	retryDelay  time.Duration
	callTimeout time.Duration
	group       singleflight.Group
	metrics     *metrics.Metrics
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration)
}

func NewCoordinator(store Store, locker Locker, retryDelay, callTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		locker:      locker,
		lockTTL:     lockTTL,
		retryDelay:  retryDelay,
		callTimeout: callTimeout,
		metrics:     m,
		logger:      logger,
		sleep:       sleepContext,
	}
}

// WithLockTTL overrides how long the cross-instance ensure lock is held
func (c *Coordinator) WithLockTTL(ttl time.Duration) *Coordinator {
	if ttl > 0 {
		c.lockTTL = ttl
	}
	return c
}

// Enabled reports whether a ledger store is configured
func (c *Coordinator) Enabled() bool {
	return c.store != nil
}

// Store exposes the underlying ledger store (nil when disabled)
func (c *Coordinator) Store() Store {
	return c.store
}

// EnsureOrderRecord finds the order's ledger record or creates it. Concurrent
// calls for one key in this process share a single attempt.
func (c *Coordinator) EnsureOrderRecord(ctx context.Context, in EnsureInput) (domain.LedgerIdentity, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	in.OrderNumber = strings.TrimSpace(in.OrderNumber)
	if in.IdempotencyKey == "" {
		return domain.LedgerIdentity{}, &errors.ErrValidation{
			Message: "idempotency_key is required",
			Fields:  []errors.FieldError{{Path: "/idempotency_key", Message: "required"}},
		}
	}
	if !c.Enabled() {
		c.metrics.ObserveEnsure("disabled")
		return Disabled(), nil
	}

	ch := c.group.DoChan(in.IdempotencyKey, func() (interface{}, error) {
		return c.ensure(context.WithoutCancel(ctx), in)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return domain.LedgerIdentity{}, ctx.Err()
	}
	if res.Err != nil {
		c.metrics.ObserveEnsure("error")
		return domain.LedgerIdentity{}, res.Err
	}
	identity := res.Val.(domain.LedgerIdentity)
	if identity.Created {
		c.metrics.ObserveEnsure("created")
	} else {
		c.metrics.ObserveEnsure("found")
	}
	return identity, nil
}

func (c *Coordinator) ensure(ctx context.Context, in EnsureInput) (domain.LedgerIdentity, error) {
	rec, err := c.find(ctx, in)
	if err != nil {
		return domain.LedgerIdentity{}, err
	}
	if rec != nil {
		return identityOf(rec, false), nil
	}

	if c.locker != nil {
		release, acquired, err := c.locker.Acquire(ctx, in.IdempotencyKey, c.lockTTL)
		switch {
		case err != nil:
			// best effort: proceed without the cross-instance guard
			c.logger.Warn("Ensure lock unavailable", zap.String("idempotency_key", in.IdempotencyKey), zap.Error(err))
		case acquired:
			defer release()
			// another instance may have created the record before we got the lock
			if rec, err = c.find(ctx, in); err != nil {
				return domain.LedgerIdentity{}, err
			} else if rec != nil {
				return identityOf(rec, false), nil
			}
		default:
			if rec, err = c.awaitOtherEnsure(ctx, in); err != nil {
				return domain.LedgerIdentity{}, err
			} else if rec != nil {
				return identityOf(rec, false), nil
			}
		}
	}

	fields := map[string]interface{}{
		domain.LedgerFieldIdempotencyKey: in.IdempotencyKey,
		domain.LedgerFieldStatus:         string(domain.OrderStatusInProgress),
	}
	if in.CreatedAt != "" {
		fields[domain.LedgerFieldCreatedAt] = in.CreatedAt
	}

	callCtx, cancel := c.callContext(ctx)
	started := time.Now()
	rec, err = c.store.Create(callCtx, fields)
	c.metrics.ObserveCall("ledger", "create", started, &err)
	cancel()
	if err != nil {
		c.logger.Error("Failed to create ledger record", zap.String("idempotency_key", in.IdempotencyKey), zap.Error(err))
		return domain.LedgerIdentity{}, err
	}

	if rec.OrderNumber == nil {
		rec = c.readOrderNumber(ctx, rec)
	}

	c.logger.Info("Created ledger record",
		zap.String("idempotency_key", in.IdempotencyKey),
		zap.String("record_id", rec.ID),
		zap.Stringp("order_number", rec.OrderNumber),
	)
	return identityOf(rec, true), nil
}

// find looks up by idempotency key, then by order number. An order-number match
// that belongs to a different idempotency key is not this order and is ignored.
func (c *Coordinator) find(ctx context.Context, in EnsureInput) (*domain.LedgerRecord, error) {
	rec, err := c.findOne(ctx, domain.LedgerCriteria{IdempotencyKey: in.IdempotencyKey})
	if err != nil || rec != nil || in.OrderNumber == "" {
		return rec, err
	}

	rec, err = c.findOne(ctx, domain.LedgerCriteria{OrderNumber: in.OrderNumber})
	if err != nil || rec == nil {
		return nil, err
	}
	if other := rec.StringField(domain.LedgerFieldIdempotencyKey); other != "" && other != in.IdempotencyKey {
		c.logger.Warn("Ignoring ledger record matched by order number only",
			zap.String("order_number", in.OrderNumber),
			zap.String("idempotency_key", in.IdempotencyKey),
			zap.String("record_idempotency_key", other),
		)
		return nil, nil
	}
	return rec, nil
}

func (c *Coordinator) findOne(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	started := time.Now()
	rec, err := c.store.Find(callCtx, criteria)
	c.metrics.ObserveCall("ledger", "find", started, &err)
	return rec, err
}

// awaitOtherEnsure polls for the record another instance is creating. A nil
// record after the last poll means we create it ourselves.
func (c *Coordinator) awaitOtherEnsure(ctx context.Context, in EnsureInput) (*domain.LedgerRecord, error) {
	for i := 0; i < lockWaitPolls; i++ {
		c.sleep(ctx, lockPollDelay)
		rec, err := c.find(ctx, in)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	c.logger.Warn("Ensure lock holder produced no record, creating", zap.String("idempotency_key", in.IdempotencyKey))
	return nil, nil
}

// readOrderNumber performs the single read-after-create allowed while the
// ledger assigns the order number. Failure keeps the number null.
func (c *Coordinator) readOrderNumber(ctx context.Context, rec *domain.LedgerRecord) *domain.LedgerRecord {
	c.sleep(ctx, c.retryDelay)

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	started := time.Now()
	fresh, err := c.store.Read(callCtx, rec.ID)
	c.metrics.ObserveCall("ledger", "read", started, &err)
	if err != nil {
		c.logger.Warn("Read-after-create failed, order number stays null", zap.String("record_id", rec.ID), zap.Error(err))
		return rec
	}
	if fresh == nil || fresh.OrderNumber == nil {
		c.logger.Warn("Ledger has not assigned an order number yet", zap.String("record_id", rec.ID))
		return rec
	}
	return fresh
}

// Update writes fields to an existing record
func (c *Coordinator) Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	if !c.Enabled() {
		return nil, &errors.ErrUnavailable{Service: "ledger"}
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	started := time.Now()
	rec, err := c.store.Update(callCtx, id, fields)
	c.metrics.ObserveCall("ledger", "update", started, &err)
	return rec, err
}

// Find looks up a record without ever creating one
func (c *Coordinator) Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error) {
	if !c.Enabled() {
		return nil, &errors.ErrUnavailable{Service: "ledger"}
	}
	return c.findOne(ctx, criteria)
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout > 0 {
		return context.WithTimeout(ctx, c.callTimeout)
	}
	return context.WithCancel(ctx)
}

func identityOf(rec *domain.LedgerRecord, created bool) domain.LedgerIdentity {
	id := rec.ID
	recordID := rec.ID
	identity := domain.LedgerIdentity{
		OrderID:        &id,
		LedgerRecordID: &recordID,
		Created:        created,
		Enabled:        true,
	}
	if rec.OrderNumber != nil {
		n := *rec.OrderNumber
		identity.OrderNumber = &n
	}
	return identity
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
