// Package normalizer turns loosely structured storefront cart payloads into
// canonical order documents. Normalization is pure and never fails: malformed
// input yields defaults, and the untouched input is kept as _raw_payload.
package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/jsontree"
)

const (
	DefaultCurrency = "ILS"

	// WarningsKey is where placement warnings travel inside documents
	WarningsKey = "_forwarder_warnings"
	// RawPayloadKey holds the untouched input
	RawPayloadKey = "_raw_payload"
)

// Options carries the non-payload inputs of one normalization pass
type Options struct {
	// Now stamps generated identities and created_at; zero means time.Now()
	Now time.Time
	// DefaultEvent applies when the payload carries no valid event
	DefaultEvent domain.EventType
	// Ledger folds ledger-assigned identifiers into the order block
	Ledger *domain.LedgerIdentity
	// RawOverride is retained as _raw_payload instead of raw when set
	RawOverride any
	// NewCustomerID generates customer ids; defaults to random UUIDs
	NewCustomerID func() string
}

// Normalize builds a CanonicalOrder from raw. raw may be a decoded tree, a JSON
// string or byte slice, or any JSON-encodable Go value.
func Normalize(raw any, opts Options) *domain.CanonicalOrder {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	newCustomerID := opts.NewCustomerID
	if newCustomerID == nil {
		newCustomerID = uuid.NewString
	}

	root := toRoot(raw)
	orderObj := asObject(root.Value("order"))
	customerObj := asObject(root.Value("customer"))
	contactObj := asObject(root.Value("contact"))

	doc := &domain.CanonicalOrder{
		Event:          resolveEvent(root, opts.DefaultEvent),
		IdempotencyKey: firstString([]*jsontree.Object{root, orderObj}, "idempotency_key", "idempotencyKey"),
		CreatedAt:      resolveCreatedAt(root, now),
	}
	if doc.IdempotencyKey == "" {
		doc.IdempotencyKey = fmt.Sprintf("local-%d", now.UnixMilli())
	}

	cart := resolveCart(root, orderObj)
	doc.Items = projectItems(cart)
	doc.Delivery = reconcileDelivery(root, customerObj, contactObj)
	doc.Customer = resolveCustomer(root, customerObj, contactObj, newCustomerID)
	doc.Order = domain.OrderInfo{
		OrderID:     resolveOrderID(root, orderObj, opts.Ledger, doc.IdempotencyKey),
		OrderNumber: resolveOrderNumber(root, orderObj, opts.Ledger),
		Status:      resolveStatus(root, orderObj),
		Currency:    resolveCurrency(root, orderObj),
		Totals:      computeTotals(cart, doc.Items, doc.Delivery.WithDelivery),
	}
	doc.Warnings = carriedWarnings(root)

	if opts.RawOverride != nil {
		doc.RawPayload = opts.RawOverride
	} else {
		doc.RawPayload = rawPayload(raw, root)
	}
	return doc
}

// toRoot coerces any accepted input shape into an object; everything else is empty.
func toRoot(raw any) *jsontree.Object {
	var tree any
	switch t := raw.(type) {
	case *jsontree.Object:
		if t != nil {
			return t
		}
	case []byte:
		tree, _ = jsontree.Decode(t)
	case string:
		tree = jsontree.ParseLoose(t)
	default:
		tree, _ = jsontree.FromValue(raw)
	}
	if obj, ok := tree.(*jsontree.Object); ok && obj != nil {
		return obj
	}
	return jsontree.NewObject()
}

func rawPayload(raw any, root *jsontree.Object) any {
	switch raw.(type) {
	case nil:
		return nil
	case string, []byte:
		if root.Len() == 0 {
			if s, ok := raw.(string); ok {
				return s
			}
			return string(raw.([]byte))
		}
	}
	return jsontree.Clone(root)
}

func resolveEvent(root *jsontree.Object, def domain.EventType) domain.EventType {
	if e := domain.EventType(asString(root.Value("event"))); e.IsValid() {
		return e
	}
	if def.IsValid() {
		return def
	}
	return domain.EventOrderPartial
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func resolveCreatedAt(root *jsontree.Object, now time.Time) string {
	s := firstString([]*jsontree.Object{root}, "created_at", "createdAt")
	if s != "" {
		if _, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return s
		}
	}
	return now.UTC().Format(isoMillis)
}

func resolveCart(root, orderObj *jsontree.Object) []any {
	for _, v := range []any{root.Value("cart"), root.Value("items"), orderObj.Value("items")} {
		if list := asList(v); len(list) > 0 {
			return list
		}
	}
	return nil
}

func resolveOrderID(root, orderObj *jsontree.Object, ledger *domain.LedgerIdentity, key string) string {
	if id := firstString([]*jsontree.Object{root}, "order_id", "orderId"); id != "" {
		return id
	}
	if id := firstString([]*jsontree.Object{orderObj}, "order_id", "orderId", "id"); id != "" {
		return id
	}
	if ledger != nil && ledger.OrderID != nil && *ledger.OrderID != "" {
		return *ledger.OrderID
	}
	return key
}

func resolveOrderNumber(root, orderObj *jsontree.Object, ledger *domain.LedgerIdentity) *string {
	if ledger != nil && ledger.OrderNumber != nil && *ledger.OrderNumber != "" {
		n := *ledger.OrderNumber
		return &n
	}
	if n := firstString([]*jsontree.Object{root, orderObj}, "order_number", "orderNumber"); n != "" {
		return &n
	}
	return nil
}

func resolveStatus(root, orderObj *jsontree.Object) domain.OrderStatus {
	s := domain.OrderStatus(strings.ToLower(firstString([]*jsontree.Object{root, orderObj}, "status")))
	if s.IsValid() {
		return s
	}
	return domain.OrderStatusInProgress
}

func resolveCurrency(root, orderObj *jsontree.Object) string {
	if c := firstString([]*jsontree.Object{root, orderObj}, "currency"); c != "" {
		return strings.ToUpper(c)
	}
	return DefaultCurrency
}

func resolveCustomer(root, customerObj, contactObj *jsontree.Object, newID func() string) domain.Customer {
	candidates := []*jsontree.Object{customerObj, contactObj, root}
	c := domain.Customer{
		CustomerID:  firstString([]*jsontree.Object{customerObj, root}, "customer_id", "customerId"),
		Type:        firstString(candidates, "type", "customerType", "customer_type"),
		ContactName: firstString(candidates, "contact_name", "contactName", "name", "fullName"),
		Email:       strings.ToLower(firstString(candidates, "email")),
		Phone:       firstString(candidates, "phone", "phoneNumber", "phone_number"),
		CompanyName: firstString(candidates, "company_name", "companyName", "company"),
	}
	if c.CustomerID == "" {
		c.CustomerID = newID()
	}
	if c.Type == "" {
		if c.CompanyName != "" {
			c.Type = "business"
		} else {
			c.Type = "private"
		}
	}
	return c
}

// reconcileDelivery takes each field from the first candidate location that has it.
// Precedence: delivery, address, contact, customer.address.
func reconcileDelivery(root, customerObj, contactObj *jsontree.Object) domain.Delivery {
	deliveryObj := asObject(root.Value("delivery"))
	addressObj := asObject(root.Value("address"))
	if addressObj == nil {
		// A bare address string is the street line
		if line := asString(root.Value("address")); line != "" {
			addressObj = jsontree.NewObject()
			addressObj.Set("address_line1", line)
		}
	}
	candidates := []*jsontree.Object{deliveryObj, addressObj, contactObj, asObject(customerObj.Value("address"))}

	d := domain.Delivery{
		Name:         firstString(candidates, "name", "fullName", "contact_name", "contactName"),
		Phone:        firstString(candidates, "phone", "phoneNumber", "phone_number"),
		AddressLine1: firstString(candidates, "address_line1", "addressLine1", "street", "address"),
		AddressLine2: firstString(candidates, "address_line2", "addressLine2", "apartment"),
		City:         firstString(candidates, "city"),
		Postcode:     firstString(candidates, "postcode", "postalCode", "postal_code", "zip"),
		Country:      firstString(candidates, "country"),
		Instructions: firstString(candidates, "instructions", "deliveryNotes", "notes"),
	}

	if b, ok := asBool(deliveryObj.Value("withDelivery")); ok {
		d.WithDelivery = b
	} else if b, ok := asBool(root.Value("withDelivery")); ok {
		d.WithDelivery = b
	}
	return d
}

func carriedWarnings(root *jsontree.Object) []domain.Warning {
	var out []domain.Warning
	for _, v := range asList(root.Value(WarningsKey)) {
		obj := asObject(v)
		if obj == nil {
			continue
		}
		out = append(out, domain.Warning{
			When:    asString(obj.Value("when")),
			Where:   asString(obj.Value("where")),
			Message: asString(obj.Value("message")),
		})
	}
	return out
}

func lineIDFor(entry *jsontree.Object, index int, seen map[string]bool) string {
	id := firstString([]*jsontree.Object{entry}, "line_id", "lineId", "id", "cartItemId")
	if id == "" {
		id = "line-" + strconv.Itoa(index+1)
	}
	if seen[id] {
		id = id + "-" + strconv.Itoa(index+1)
	}
	seen[id] = true
	return id
}
