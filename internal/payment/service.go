// Package payment opens hosted payment sessions for ledger orders and applies
// the provider's payment notifications back onto the ledger.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/events"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/pkg/errors"
)

// orderKeyParam carries the idempotency key on the IPN URL
const orderKeyParam = "order_key"

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// SessionInput identifies the order to pay. Amount and Currency fall back to
// the totals recorded on the ledger record.
type SessionInput struct {
	IdempotencyKey string   `json:"idempotency_key"`
	OrderNumber    string   `json:"order_number"`
	Amount         float64  `json:"amount"`
	Currency       string   `json:"currency"`
	Description    string   `json:"description"`
	Customer       Customer `json:"customer"`
}

// SessionRequest is what the gateway needs to open a session
type SessionRequest struct {
	IdempotencyKey string
	OrderNumber    string
	Amount         float64
	Currency       string
	Description    string
	Customer       Customer
}

type Session struct {
	ID  string
	URL string
}

// SessionResult is returned to the storefront
type SessionResult struct {
	URL         string  `json:"url"`
	SessionID   string  `json:"session_id"`
	OrderID     string  `json:"order_id"`
	OrderNumber *string `json:"order_number"`
}

// Gateway is the payment session store
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// Ledger is the part of the ledger coordinator payments use. It never creates records.
type Ledger interface {
	Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error)
}

type Service struct {
	ledger    Ledger
	gateway   Gateway
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(ledger Ledger, gateway Gateway, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		ledger:    ledger,
		gateway:   gateway,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateSession opens a payment session for an order that already has a
// ledger record and stores the session id on that record.
func (s *Service) CreateSession(ctx context.Context, in SessionInput) (*SessionResult, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	in.OrderNumber = strings.TrimSpace(in.OrderNumber)
	if in.IdempotencyKey == "" && in.OrderNumber == "" {
		return nil, &errors.ErrValidation{
			Message: "idempotency_key or order_number is required",
			Fields:  []errors.FieldError{{Path: "/idempotency_key", Message: "required"}},
		}
	}
	if s.gateway == nil {
		return nil, &errors.ErrUnavailable{Service: "payment"}
	}

	criteria := domain.LedgerCriteria{IdempotencyKey: in.IdempotencyKey}
	if in.IdempotencyKey == "" {
		criteria = domain.LedgerCriteria{OrderNumber: in.OrderNumber}
	}
	rec, err := s.ledger.Find(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		id := in.IdempotencyKey
		if id == "" {
			id = in.OrderNumber
		}
		return nil, &errors.ErrNotFound{Resource: "order", ID: id}
	}

	req := SessionRequest{
		IdempotencyKey: rec.StringField(domain.LedgerFieldIdempotencyKey),
		Amount:         in.Amount,
		Currency:       in.Currency,
		Description:    in.Description,
		Customer:       in.Customer,
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = in.IdempotencyKey
	}
	if rec.OrderNumber != nil {
		req.OrderNumber = *rec.OrderNumber
	}
	applySummary(&req, rec.StringField(domain.LedgerFieldSummary))
	if req.Amount <= 0 {
		return nil, &errors.ErrValidation{
			Message: "order has no payable amount",
			Fields:  []errors.FieldError{{Path: "/amount", Message: "must be greater than 0"}},
		}
	}
	if req.Description == "" {
		req.Description = "Order " + req.OrderNumber
	}

	started := s.now()
	session, err := s.gateway.CreateSession(ctx, req)
	s.metrics.ObserveCall("payment", "create_session", started, &err)
	if err != nil {
		s.logger.Error("Failed to create payment session", zap.String("record_id", rec.ID), zap.Error(err))
		return nil, err
	}

	if _, err := s.ledger.Update(ctx, rec.ID, map[string]interface{}{
		domain.LedgerFieldPaymentSessionID: session.ID,
	}); err != nil {
		// the IPN URL still carries the order key, so the callback can match without it
		s.logger.Warn("Failed to store payment session on ledger record",
			zap.String("record_id", rec.ID), zap.String("session_id", session.ID), zap.Error(err))
	}

	s.logger.Info("Payment session created",
		zap.String("record_id", rec.ID),
		zap.String("session_id", session.ID),
		zap.Float64("amount", req.Amount),
	)
	return &SessionResult{
		URL:         session.URL,
		SessionID:   session.ID,
		OrderID:     rec.ID,
		OrderNumber: rec.OrderNumber,
	}, nil
}

// applySummary fills amount and currency from the order summary the pipeline
// stored on the ledger record
func applySummary(req *SessionRequest, summary string) {
	if summary == "" {
		return
	}
	var s struct {
		GrandTotal float64 `json:"grand_total"`
		Currency   string  `json:"currency"`
		Customer   struct {
			ContactName string `json:"contact_name"`
			Email       string `json:"email"`
			Phone       string `json:"phone"`
		} `json:"customer"`
	}
	if err := json.Unmarshal([]byte(summary), &s); err != nil {
		return
	}
	if req.Amount <= 0 {
		req.Amount = s.GrandTotal
	}
	if req.Currency == "" {
		req.Currency = s.Currency
	}
	if req.Customer.Name == "" {
		req.Customer.Name = s.Customer.ContactName
	}
	if req.Customer.Email == "" {
		req.Customer.Email = s.Customer.Email
	}
	if req.Customer.Phone == "" {
		req.Customer.Phone = s.Customer.Phone
	}
}

// CallbackOutcome describes what a payment notification did
type CallbackOutcome struct {
	RecordID    string                `json:"record_id"`
	OrderNumber *string               `json:"order_number"`
	Status      domain.OrderStatus    `json:"status"`
	Stage       domain.LifecycleStage `json:"stage"`
	Duplicate   bool                  `json:"duplicate"`
}

// HandleCallback applies a provider notification to the ledger record found by
// session id, or by the order key tagged onto the IPN URL. The caller answers
// the provider with success whatever this returns.
func (s *Service) HandleCallback(ctx context.Context, fields map[string]string) (*CallbackOutcome, error) {
	sessionID := first(fields, "sale_uniqid", "session_id", "sale_id", "paypage_sale_uniqid")
	orderKey := first(fields, orderKeyParam, "idempotency_key")

	rec, err := s.locate(ctx, sessionID, orderKey)
	if err != nil {
		s.metrics.ObservePaymentCallback("error")
		return nil, err
	}
	if rec == nil {
		s.metrics.ObservePaymentCallback("unmatched")
		s.logger.Warn("Payment callback matched no ledger record",
			zap.String("session_id", sessionID), zap.String("order_key", orderKey))
		return nil, &errors.ErrNotFound{Resource: "payment_session", ID: sessionID}
	}

	target := domain.OrderStatusFailed
	stage := domain.StagePaymentFailed
	if paymentSucceeded(fields) {
		target = domain.OrderStatusPaid
		stage = domain.StagePaid
	}
	current := domain.OrderStatus(rec.StringField(domain.LedgerFieldStatus))
	outcome := &CallbackOutcome{RecordID: rec.ID, OrderNumber: rec.OrderNumber, Status: target, Stage: stage}

	if current == target {
		outcome.Duplicate = true
		s.metrics.ObservePaymentCallback("duplicate")
		s.logger.Info("Payment callback repeats recorded status",
			zap.String("record_id", rec.ID), zap.String("status", string(target)))
		return outcome, nil
	}
	if !current.CanTransitionTo(target) {
		s.metrics.ObservePaymentCallback("rejected")
		return nil, &errors.ErrInvalidStateTransition{From: current, To: target}
	}

	update := map[string]interface{}{domain.LedgerFieldStatus: string(target)}
	if v := first(fields, "docnum", "invoice_number", "doc_number"); v != "" {
		update[domain.LedgerFieldInvoiceNumber] = v
	}
	if v := first(fields, "doc_url", "invoice_url", "doc_link"); v != "" {
		update[domain.LedgerFieldInvoiceURL] = v
	}
	if v := first(fields, "confirmation_code", "cc_confirmation", "confirmation"); v != "" {
		update[domain.LedgerFieldConfirmationCode] = v
	}
	if sessionID != "" && rec.StringField(domain.LedgerFieldPaymentSessionID) == "" {
		update[domain.LedgerFieldPaymentSessionID] = sessionID
	}

	if _, err := s.ledger.Update(ctx, rec.ID, update); err != nil {
		s.metrics.ObservePaymentCallback("error")
		s.logger.Error("Failed to record payment outcome", zap.String("record_id", rec.ID), zap.Error(err))
		return nil, err
	}
	s.metrics.ObservePaymentCallback(string(target))

	eventType := events.OrderPaymentFailed
	if target == domain.OrderStatusPaid {
		eventType = events.OrderPaid
	}
	if err := s.publisher.Publish(ctx, events.Event{
		Type:           eventType,
		IdempotencyKey: rec.StringField(domain.LedgerFieldIdempotencyKey),
		OrderID:        rec.ID,
		OrderNumber:    rec.OrderNumber,
		Status:         target,
		OccurredAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn("Failed to publish payment event", zap.String("record_id", rec.ID), zap.Error(err))
	}

	s.logger.Info("Payment callback applied",
		zap.String("record_id", rec.ID),
		zap.String("from", string(current)),
		zap.String("to", string(target)),
	)
	return outcome, nil
}

func (s *Service) locate(ctx context.Context, sessionID, orderKey string) (*domain.LedgerRecord, error) {
	if sessionID != "" {
		rec, err := s.ledger.Find(ctx, domain.LedgerCriteria{PaymentSessionID: sessionID})
		if err != nil || rec != nil {
			return rec, err
		}
	}
	if orderKey != "" {
		return s.ledger.Find(ctx, domain.LedgerCriteria{IdempotencyKey: orderKey})
	}
	if sessionID == "" {
		return nil, &errors.ErrValidation{Message: fmt.Sprintf("callback carries no %s or session id", orderKeyParam)}
	}
	return nil, nil
}

// paymentSucceeded reads the provider's status flag. Anything unrecognised is a failure.
func paymentSucceeded(fields map[string]string) bool {
	switch strings.ToLower(first(fields, "status", "success", "payment_status", "deal_status")) {
	case "1", "true", "ok", "success", "paid", "approved", "completed":
		return true
	}
	return false
}

func first(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}
