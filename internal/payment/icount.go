package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/tokencache"
)

// iCount API sessions idle out after an hour
const sessionLifetime = 50 * time.Minute

// ICountClient creates hosted payment page sales through the iCount v3 API
type ICountClient struct {
	cfg        config.PaymentConfig
	baseURL    string
	sid        *tokencache.Cache
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewICountClient(cfg config.PaymentConfig, timeout time.Duration, logger *zap.Logger) *ICountClient {
	c := &ICountClient{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
	c.sid = tokencache.New(c.login, 0)
	return c
}

type icountReply struct {
	Status bool   `json:"status"`
	Reason string `json:"reason"`
	SID    string `json:"sid"`

	SaleUniqID string `json:"sale_uniqid"`
	SaleURL    string `json:"sale_url"`
}

func (c *ICountClient) login(ctx context.Context) (tokencache.Token, error) {
	var reply icountReply
	err := c.post(ctx, "/auth/login", map[string]interface{}{
		"cid":  c.cfg.CompanyID,
		"user": c.cfg.User,
		"pass": c.cfg.Password,
	}, &reply)
	if err != nil {
		return tokencache.Token{}, fmt.Errorf("icount login: %w", err)
	}
	if !reply.Status || reply.SID == "" {
		return tokencache.Token{}, fmt.Errorf("icount login rejected: %s", reply.Reason)
	}
	c.logger.Info("iCount session opened")
	return tokencache.Token{Value: reply.SID, ExpiresAt: c.now().Add(sessionLifetime)}, nil
}

type saleItem struct {
	Description string  `json:"description"`
	UnitPrice   float64 `json:"unitprice_incvat"`
	Quantity    int     `json:"quantity"`
}

// CreateSession opens a paypage sale for req. An expired API session is
// renewed once.
func (c *ICountClient) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	ipnURL, err := withOrderKey(c.cfg.IPNURL, req.IdempotencyKey)
	if err != nil {
		return Session{}, fmt.Errorf("invalid IPN URL: %w", err)
	}
	payload := map[string]interface{}{
		"paypage_id":    c.cfg.PaypageID,
		"currency_code": req.Currency,
		"items": []saleItem{{
			Description: req.Description,
			UnitPrice:   req.Amount,
			Quantity:    1,
		}},
		"full_name":   req.Customer.Name,
		"email":       req.Customer.Email,
		"phone":       req.Customer.Phone,
		"success_url": c.cfg.SuccessURL,
		"failure_url": c.cfg.FailureURL,
		"ipn_url":     ipnURL,
	}

	for attempt := 0; attempt < 2; attempt++ {
		sid, err := c.sid.Get(ctx, c.now())
		if err != nil {
			return Session{}, err
		}
		payload["sid"] = sid

		var reply icountReply
		if err := c.post(ctx, "/paypage/generate_sale", payload, &reply); err != nil {
			return Session{}, fmt.Errorf("icount generate_sale: %w", err)
		}
		if reply.Status && reply.SaleURL != "" {
			return Session{ID: reply.SaleUniqID, URL: reply.SaleURL}, nil
		}
		if attempt == 0 && sessionExpired(reply.Reason) {
			c.logger.Info("iCount session expired, logging in again")
			c.sid.Invalidate()
			continue
		}
		return Session{}, fmt.Errorf("icount generate_sale rejected: %s", reply.Reason)
	}
	return Session{}, fmt.Errorf("icount generate_sale rejected after session renewal")
}

func (c *ICountClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("icount API error: status %d, body: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func sessionExpired(reason string) bool {
	switch reason {
	case "bad_sid", "sid_expired", "session_expired", "not_logged_in":
		return true
	}
	return false
}

// withOrderKey tags the IPN URL so callbacks can be matched without the session id
func withOrderKey(raw, key string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(orderKeyParam, key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
