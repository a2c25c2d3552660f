package service

import (
	"strings"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/webhook"
)

// SubmissionKind is which storefront action sent the order
type SubmissionKind string

const (
	KindDraft    SubmissionKind = "draft"
	KindCheckout SubmissionKind = "checkout"
	KindDiscount SubmissionKind = "discount"
)

// ParseKind maps a route or query value to a kind; unknown values are drafts
func ParseKind(s string) SubmissionKind {
	switch SubmissionKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCheckout, "submit", "complete":
		return KindCheckout
	case KindDiscount:
		return KindDiscount
	default:
		return KindDraft
	}
}

// DefaultEvent is the event stamped on orders whose payload names none
func (k SubmissionKind) DefaultEvent() domain.EventType {
	if k == KindCheckout {
		return domain.EventOrderComplete
	}
	return domain.EventOrderPartial
}

// Outcome is the result of one pass through the pipeline. Order and Stage are
// set even when the pass fails, to show how far it got.
type Outcome struct {
	Order    *domain.CanonicalOrder `json:"order"`
	Ledger   domain.LedgerIdentity  `json:"ledger"`
	Stage    domain.LifecycleStage  `json:"stage"`
	Warnings []domain.Warning       `json:"warnings"`
	Forward  *webhook.Response      `json:"forward,omitempty"`
}

// OrderSummary is what the ledger record keeps about the forwarded order
type OrderSummary struct {
	Event       domain.EventType `json:"event"`
	OrderNumber *string          `json:"order_number"`
	Currency    string           `json:"currency"`
	Subtotal    float64          `json:"subtotal"`
	Delivery    float64          `json:"delivery"`
	VATAmount   float64          `json:"vat_amount"`
	GrandTotal  float64          `json:"grand_total"`
	Customer    domain.Customer  `json:"customer"`
	Items       int              `json:"items"`
	Quantity    int              `json:"quantity"`
	Uploads     []string         `json:"uploads,omitempty"`
	Warnings    int              `json:"warnings"`
}
