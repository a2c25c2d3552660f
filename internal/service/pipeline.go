package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/events"
	"github.com/inkline/orderforwarder/internal/journal"
	"github.com/inkline/orderforwarder/internal/jsontree"
	"github.com/inkline/orderforwarder/internal/ledger"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/internal/normalizer"
	"github.com/inkline/orderforwarder/internal/schema"
	"github.com/inkline/orderforwarder/internal/uploads"
	"github.com/inkline/orderforwarder/internal/webhook"
)

// Ledger is the order ledger as the pipeline uses it
type Ledger interface {
	Enabled() bool
	EnsureOrderRecord(ctx context.Context, in ledger.EnsureInput) (domain.LedgerIdentity, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error)
}

type UploadPlacer interface {
	ExtractAndPlace(ctx context.Context, tree any, folder uploads.FolderKey) (any, []domain.Warning)
}

type Validator interface {
	Validate(doc any) schema.Result
}

type Forwarder interface {
	Forward(ctx context.Context, doc any) (webhook.Response, error)
}

// PipelineDeps are the pipeline's collaborators. Journal and Publisher are optional.
type PipelineDeps struct {
	Ledger    Ledger
	Uploads   UploadPlacer
	Validator Validator
	Sink      Forwarder
	Journal   journal.Journal
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

// Pipeline turns a raw storefront payload into a forwarded canonical order
type Pipeline struct {
	ledger    Ledger
	uploads   UploadPlacer
	validator Validator
	sink      Forwarder
	journal   journal.Journal
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewPipeline(deps PipelineDeps, logger *zap.Logger) *Pipeline {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Pipeline{
		ledger:    deps.Ledger,
		uploads:   deps.Uploads,
		validator: deps.Validator,
		sink:      deps.Sink,
		journal:   deps.Journal,
		publisher: publisher,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Preview normalizes raw without touching any collaborator
func (p *Pipeline) Preview(raw any, kind SubmissionKind) *domain.CanonicalOrder {
	return normalizer.Normalize(raw, normalizer.Options{Now: p.now(), DefaultEvent: kind.DefaultEvent()})
}

// HandleIncomingOrder runs normalize, ledger ensure, upload placement, a second
// normalize, validation and forwarding, in that order. Ledger and upload
// failures only add warnings. A schema failure returns *errors.ErrValidation
// and a rejected forward returns *errors.ErrForward; the outcome is returned
// alongside either error.
func (p *Pipeline) HandleIncomingOrder(ctx context.Context, raw any, kind SubmissionKind) (*Outcome, error) {
	now := p.now()
	tree := toTree(raw)

	draft := normalizer.Normalize(tree, normalizer.Options{Now: now, DefaultEvent: kind.DefaultEvent()})
	out := &Outcome{Order: draft, Stage: domain.StageDraft, Ledger: ledger.Disabled()}

	log := p.logger.With(
		zap.String("idempotency_key", draft.IdempotencyKey),
		zap.String("kind", string(kind)),
	)

	var extra []domain.Warning
	identity, err := p.ensureLedger(ctx, draft)
	if err != nil {
		log.Warn("Ledger ensure failed, continuing without ledger identity", zap.Error(err))
		extra = append(extra, domain.Warning{
			When:    now.UTC().Format(time.RFC3339),
			Where:   "ledger",
			Message: err.Error(),
		})
	}
	out.Ledger = identity
	out.Stage = domain.StageLedgerEnsured

	placedTree, _ := p.uploads.ExtractAndPlace(ctx, tree, uploads.FolderKeyFor(draft, &identity))
	out.Stage = domain.StageUploadsPlaced

	customerID := draft.Customer.CustomerID
	doc := normalizer.Normalize(placedTree, normalizer.Options{
		Now:           now,
		DefaultEvent:  kind.DefaultEvent(),
		Ledger:        &identity,
		RawOverride:   tree,
		NewCustomerID: func() string { return customerID },
	})
	doc.Warnings = append(doc.Warnings, extra...)
	out.Order = doc
	out.Warnings = append([]domain.Warning(nil), doc.Warnings...)

	if res := p.validator.Validate(doc); !res.Valid {
		p.metrics.ObserveOrder(string(kind), "invalid")
		log.Warn("Order failed schema validation", zap.Int("errors", len(res.Errors)))
		return out, res.Err()
	}
	out.Stage = domain.StageValidated

	resp, err := p.sink.Forward(ctx, doc)
	if err != nil {
		p.metrics.ObserveOrder(string(kind), "forward_failed")
		log.Error("Failed to forward order", zap.Error(err))
		return out, err
	}
	out.Forward = &resp
	out.Stage = domain.StageForwarded

	out.Warnings = append(out.Warnings, p.afterForward(ctx, doc, identity)...)
	if out.Warnings == nil {
		out.Warnings = []domain.Warning{}
	}

	p.metrics.ObserveOrder(string(kind), "forwarded")
	log.Info("Order forwarded",
		zap.String("order_id", doc.Order.OrderID),
		zap.Stringp("order_number", doc.Order.OrderNumber),
		zap.Int("warnings", len(out.Warnings)),
	)
	return out, nil
}

func (p *Pipeline) ensureLedger(ctx context.Context, draft *domain.CanonicalOrder) (domain.LedgerIdentity, error) {
	if p.ledger == nil || !p.ledger.Enabled() {
		return ledger.Disabled(), nil
	}
	in := ledger.EnsureInput{IdempotencyKey: draft.IdempotencyKey, CreatedAt: draft.CreatedAt}
	if draft.Order.OrderNumber != nil {
		in.OrderNumber = *draft.Order.OrderNumber
	}
	identity, err := p.ledger.EnsureOrderRecord(ctx, in)
	if err != nil {
		return ledger.Disabled(), err
	}
	return identity, nil
}

// afterForward runs the side tasks of a forwarded order concurrently. Their
// failures come back as warnings.
func (p *Pipeline) afterForward(ctx context.Context, doc *domain.CanonicalOrder, identity domain.LedgerIdentity) []domain.Warning {
	var (
		mu       sync.Mutex
		warnings []domain.Warning
		g        errgroup.Group
	)
	fail := func(where string, err error) {
		p.logger.Warn("Post-forward task failed",
			zap.String("task", where),
			zap.String("idempotency_key", doc.IdempotencyKey),
			zap.Error(err),
		)
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, domain.Warning{
			When:    p.now().UTC().Format(time.RFC3339),
			Where:   where,
			Message: err.Error(),
		})
	}

	if identity.Enabled && identity.LedgerRecordID != nil && p.ledger != nil {
		g.Go(func() error {
			summary, err := json.Marshal(summarize(doc))
			if err == nil {
				_, err = p.ledger.Update(ctx, *identity.LedgerRecordID, map[string]interface{}{
					domain.LedgerFieldSummary: string(summary),
				})
			}
			if err != nil {
				fail("ledger_summary", err)
			}
			return nil
		})
	}
	if p.journal != nil {
		g.Go(func() error {
			entry, err := journal.NewEntry(doc, p.now())
			if err == nil {
				err = p.journal.Append(ctx, entry)
			}
			if err != nil {
				fail("journal", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := p.publisher.Publish(ctx, events.ForwardedEvent(doc, p.now())); err != nil {
			fail("events", err)
		}
		return nil
	})
	_ = g.Wait()
	return warnings
}

func summarize(doc *domain.CanonicalOrder) OrderSummary {
	s := OrderSummary{
		Event:       doc.Event,
		OrderNumber: doc.Order.OrderNumber,
		Currency:    doc.Order.Currency,
		Subtotal:    doc.Order.Totals.Subtotal,
		Delivery:    doc.Order.Totals.Delivery,
		VATAmount:   doc.Order.Totals.VATAmount,
		GrandTotal:  doc.Order.Totals.GrandTotal,
		Customer:    doc.Customer,
		Items:       len(doc.Items),
		Warnings:    len(doc.Warnings),
	}
	for _, item := range doc.Items {
		for _, sq := range item.SizeBreakdown {
			s.Quantity += sq.Qty
		}
		s.Uploads = appendLink(s.Uploads, item.Mockup)
		s.Uploads = appendLink(s.Uploads, item.Worksheet)
		for _, area := range item.PrintAreas {
			s.Uploads = appendLink(s.Uploads, area.Design)
		}
	}
	return s
}

// appendLink adds the shared link of a placement node, if it has one
func appendLink(links []string, v any) []string {
	obj, ok := v.(*jsontree.Object)
	if !ok || obj == nil {
		return links
	}
	if url, ok := obj.Value("url").(string); ok && url != "" {
		return append(links, url)
	}
	return links
}

// toTree decodes the request body once; everything else is handed to the
// normalizer as is
func toTree(raw any) any {
	switch t := raw.(type) {
	case []byte:
		tree, err := jsontree.Decode(t)
		if err != nil {
			return string(t)
		}
		return tree
	case json.RawMessage:
		return toTree([]byte(t))
	case string:
		return jsontree.ParseLoose(t)
	case *jsontree.Object, []any:
		return t
	default:
		tree, err := jsontree.FromValue(raw)
		if err != nil {
			return fmt.Sprint(raw)
		}
		return tree
	}
}
