package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/domain"
)

// AirtableStore is a Store backed by one Airtable table
type AirtableStore struct {
	tableURL   string
	apiKey     string
	columns    map[string]string // ledger field -> Airtable column
	fields     map[string]string // Airtable column -> ledger field
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAirtableStore creates an Airtable-backed ledger store. Requests are
// throttled to the configured rate (Airtable allows 5 per second per base).
func NewAirtableStore(cfg config.AirtableConfig, timeout time.Duration, logger *zap.Logger) *AirtableStore {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	columns := map[string]string{
		domain.LedgerFieldIdempotencyKey:   cfg.Fields.IdempotencyKey,
		domain.LedgerFieldOrderNumber:      cfg.Fields.OrderNumber,
		domain.LedgerFieldStatus:           cfg.Fields.Status,
		domain.LedgerFieldCreatedAt:        cfg.Fields.CreatedAt,
		domain.LedgerFieldPaymentSessionID: cfg.Fields.PaymentSessionID,
		domain.LedgerFieldInvoiceNumber:    cfg.Fields.InvoiceNumber,
		domain.LedgerFieldInvoiceURL:       cfg.Fields.InvoiceURL,
		domain.LedgerFieldConfirmationCode: cfg.Fields.ConfirmationCode,
		domain.LedgerFieldSummary:          cfg.Fields.Summary,
	}
	fields := make(map[string]string, len(columns))
	for field, column := range columns {
		if column == "" {
			columns[field] = field
			column = field
		}
		fields[column] = field
	}

	return &AirtableStore{
		tableURL:   fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(cfg.BaseURL, "/"), url.PathEscape(cfg.BaseID), url.PathEscape(cfg.Table)),
		apiKey:     cfg.APIKey,
		columns:    columns,
		fields:     fields,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type airtableRecord struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
}

type airtableWrite struct {
	Fields   map[string]interface{} `json:"fields"`
	Typecast bool                   `json:"typecast"`
}

func (s *AirtableStore) Find(ctx context.Context, criteria domain.LedgerCriteria) (*domain.LedgerRecord, error) {
	var clauses []string
	if criteria.IdempotencyKey != "" {
		clauses = append(clauses, s.equals(domain.LedgerFieldIdempotencyKey, criteria.IdempotencyKey))
	}
	if criteria.OrderNumber != "" {
		clauses = append(clauses, s.equals(domain.LedgerFieldOrderNumber, criteria.OrderNumber))
	}
	if criteria.PaymentSessionID != "" {
		clauses = append(clauses, s.equals(domain.LedgerFieldPaymentSessionID, criteria.PaymentSessionID))
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("ledger find needs at least one criterion")
	}

	q := url.Values{}
	q.Set("filterByFormula", "AND("+strings.Join(clauses, ",")+")")
	q.Set("maxRecords", "1")

	body, status, err := s.do(ctx, http.MethodGet, s.tableURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("airtable API error: status %d, body: %s", status, string(body))
	}

	var list airtableList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(list.Records) == 0 {
		return nil, nil
	}
	return s.toRecord(list.Records[0]), nil
}

func (s *AirtableStore) Create(ctx context.Context, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	body, status, err := s.write(ctx, http.MethodPost, s.tableURL, fields)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("airtable API error: status %d, body: %s", status, string(body))
	}
	return s.decodeRecord(body)
}

func (s *AirtableStore) Update(ctx context.Context, id string, fields map[string]interface{}) (*domain.LedgerRecord, error) {
	body, status, err := s.write(ctx, http.MethodPatch, s.tableURL+"/"+url.PathEscape(id), fields)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("airtable API error: status %d, body: %s", status, string(body))
	}
	return s.decodeRecord(body)
}

func (s *AirtableStore) Read(ctx context.Context, id string) (*domain.LedgerRecord, error) {
	body, status, err := s.do(ctx, http.MethodGet, s.tableURL+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("airtable API error: status %d, body: %s", status, string(body))
	}
	return s.decodeRecord(body)
}

func (s *AirtableStore) write(ctx context.Context, method, endpoint string, fields map[string]interface{}) ([]byte, int, error) {
	columns := make(map[string]interface{}, len(fields))
	for field, v := range fields {
		if field == domain.LedgerFieldOrderNumber {
			// assigned by the table's autonumber column
			continue
		}
		columns[s.column(field)] = v
	}
	payload, err := json.Marshal(airtableWrite{Fields: columns, Typecast: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}
	return s.do(ctx, method, endpoint, payload)
}

func (s *AirtableStore) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("airtable rate limit wait: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		s.logger.Warn("Airtable rate limit exceeded", zap.String("method", method))
	}
	return body, resp.StatusCode, nil
}

func (s *AirtableStore) decodeRecord(body []byte) (*domain.LedgerRecord, error) {
	var rec airtableRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(body))
	}
	return s.toRecord(rec), nil
}

func (s *AirtableStore) toRecord(rec airtableRecord) *domain.LedgerRecord {
	out := &domain.LedgerRecord{
		ID:     rec.ID,
		Fields: make(map[string]interface{}, len(rec.Fields)),
	}
	if t, err := time.Parse(time.RFC3339, rec.CreatedTime); err == nil {
		out.CreatedAt = t
	}
	for column, v := range rec.Fields {
		field, ok := s.fields[column]
		if !ok {
			field = column
		}
		out.Fields[field] = v
	}
	if n := numberString(out.Fields[domain.LedgerFieldOrderNumber]); n != "" {
		out.OrderNumber = &n
	}
	return out
}

func (s *AirtableStore) column(field string) string {
	if c, ok := s.columns[field]; ok {
		return c
	}
	return field
}

// equals builds a formula clause comparing a column as text
func (s *AirtableStore) equals(field, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return fmt.Sprintf("{%s}&''='%s'", s.column(field), escaped)
}

// numberString renders autonumber values (decoded as float64) without a fraction
func numberString(v interface{}) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
