// Package webhook forwards canonical orders to the automation webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/jsontree"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/pkg/errors"
)

const defaultTimeout = 10 * time.Second

// maxBodyEcho bounds how much of the sink's reply is kept
const maxBodyEcho = 4 << 10

// Response is what the sink answered
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

type Sink struct {
	url        string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewSink(cfg config.WebhookConfig, m *metrics.Metrics, logger *zap.Logger) *Sink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sink{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
		logger:     logger,
	}
}

// Forward POSTs doc as JSON. The retained raw payload is stripped first. A
// non-2xx answer or a transport failure is returned as *errors.ErrForward;
// nothing is retried.
func (s *Sink) Forward(ctx context.Context, doc any) (Response, error) {
	if s.url == "" {
		return Response{}, &errors.ErrUnavailable{Service: "webhook"}
	}

	body, err := json.Marshal(stripRaw(doc))
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := s.httpClient.Do(req)
	s.metrics.ObserveCall("webhook", "forward", started, &err)
	if err != nil {
		s.metrics.ObserveForward(0)
		s.logger.Warn("Webhook: forward request failed", zap.String("url", s.url), zap.Error(err))
		return Response{}, &errors.ErrForward{Cause: err}
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyEcho))
	out := Response{Status: resp.StatusCode, Body: string(reply)}
	s.metrics.ObserveForward(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("Webhook: forward returned non-2xx",
			zap.String("url", s.url), zap.Int("status", resp.StatusCode))
		return out, &errors.ErrForward{Status: resp.StatusCode, Body: out.Body}
	}

	s.logger.Info("Webhook: order forwarded", zap.String("url", s.url), zap.Int("status", resp.StatusCode))
	return out, nil
}

func stripRaw(doc any) any {
	switch t := doc.(type) {
	case *domain.CanonicalOrder:
		if t == nil {
			return t
		}
		c := *t
		c.RawPayload = nil
		return &c
	case domain.CanonicalOrder:
		t.RawPayload = nil
		return t
	case *jsontree.Object:
		c, _ := jsontree.Clone(t).(*jsontree.Object)
		c.Delete("_raw_payload")
		return c
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, v := range t {
			if k != "_raw_payload" {
				c[k] = v
			}
		}
		return c
	default:
		return doc
	}
}
