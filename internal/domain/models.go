package domain

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalOrder is the normalized order document forwarded downstream
type CanonicalOrder struct {
	Event          EventType  `json:"event"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      string     `json:"created_at"`
	Order          OrderInfo  `json:"order"`
	Customer       Customer   `json:"customer"`
	Items          []LineItem `json:"items"`
	Delivery       Delivery   `json:"delivery"`
	Warnings       []Warning  `json:"_forwarder_warnings,omitempty"`
	// RawPayload is kept for diagnostics only; never validated or forwarded
	RawPayload any `json:"_raw_payload,omitempty"`
}

// OrderInfo holds order identity and totals
type OrderInfo struct {
	OrderID     string      `json:"order_id"`
	OrderNumber *string     `json:"order_number"`
	Status      OrderStatus `json:"status"`
	Currency    string      `json:"currency"`
	Totals      Totals      `json:"totals"`
}

// Totals are whole-order amounts in currency units.
// GrandTotal = round((Subtotal + Delivery) * (1 + VATPercent/100))
type Totals struct {
	Subtotal   float64 `json:"subtotal"`
	Delivery   float64 `json:"delivery"`
	VATPercent float64 `json:"vat_percent"`
	VATAmount  float64 `json:"vat_amount"`
	GrandTotal float64 `json:"grand_total"`
}

// Customer is the ordering party
type Customer struct {
	CustomerID  string `json:"customer_id"`
	Type        string `json:"type"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	CompanyName string `json:"company_name"`
}

// LineItem is one configured product in the cart.
// Mockup and Worksheet hold either an inline blob string or a placement object.
type LineItem struct {
	LineID        string      `json:"line_id"`
	ProductSKU    string      `json:"product_sku"`
	ProductName   string      `json:"product_name"`
	Colors        []string    `json:"colors,omitempty"`
	SizeBreakdown []SizeQty   `json:"size_breakdown"`
	PrintAreas    []PrintArea `json:"print_areas"`
	Mockup        any         `json:"mockup,omitempty"`
	Worksheet     any         `json:"worksheet,omitempty"`
}

// SizeQty is the quantity ordered for one size
type SizeQty struct {
	Size string `json:"size"`
	Qty  int    `json:"qty"`
}

// PrintArea describes one decorated area of a product
type PrintArea struct {
	AreaKey          string      `json:"areaKey"`
	Method           PrintMethod `json:"method"`
	DesignerComments string      `json:"designer_comments"`
	PrintColor       string      `json:"print_color"`
	Design           any         `json:"design,omitempty"`
}

// Delivery is the reconciled shipping block
type Delivery struct {
	WithDelivery bool   `json:"withDelivery"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2"`
	City         string `json:"city"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
	Instructions string `json:"instructions"`
}

// Warning records a partial failure that did not stop the order
type Warning struct {
	When    string `json:"when"`
	Where   string `json:"where"`
	Message string `json:"message"`
}

// Placement is the reference left in place of an uploaded inline blob
type Placement struct {
	URL         *string `json:"url"`
	DropboxPath string  `json:"dropbox_path"`
	Name        string  `json:"name"`
	Size        int     `json:"size"`
}

// LedgerRecord is one order row in the external ledger
type LedgerRecord struct {
	ID          string
	OrderNumber *string
	Fields      map[string]interface{}
	CreatedAt   time.Time
}

// Ledger field names. Backends map them to their own columns.
const (
	LedgerFieldIdempotencyKey   = "idempotency_key"
	LedgerFieldOrderNumber      = "order_number"
	LedgerFieldStatus           = "status"
	LedgerFieldCreatedAt        = "created_at"
	LedgerFieldPaymentSessionID = "payment_session_id"
	LedgerFieldInvoiceNumber    = "invoice_number"
	LedgerFieldInvoiceURL       = "invoice_url"
	LedgerFieldConfirmationCode = "confirmation_code"
	LedgerFieldSummary          = "order_json"
)

// LedgerCriteria selects ledger records. Non-empty fields must all match.
type LedgerCriteria struct {
	IdempotencyKey   string
	OrderNumber      string
	PaymentSessionID string
}

// StringField returns a text field of the record, or ""
func (r *LedgerRecord) StringField(name string) string {
	if r == nil {
		return ""
	}
	if s, ok := r.Fields[name].(string); ok {
		return s
	}
	return ""
}

// LedgerIdentity is what the ledger contributes to an order document
type LedgerIdentity struct {
	OrderID        *string `json:"order_id"`
	OrderNumber    *string `json:"order_number"`
	LedgerRecordID *string `json:"airtable_record_id,omitempty"`
	Created        bool    `json:"created"`
	Enabled        bool    `json:"enabled"`
}

// JournalEntry is one append-only record of an order snapshot
type JournalEntry struct {
	ID             uuid.UUID
	IdempotencyKey string
	EventType      string
	OrderNumber    *string
	Document       []byte // canonical order JSON
	CreatedAt      time.Time
}

// IdempotencyKey stores the response produced for an Idempotency-Key header
type IdempotencyKey struct {
	Key          string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	CreatedAt    time.Time
}
