package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
)

func newTestICount(t *testing.T, handler http.Handler) *ICountClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewICountClient(config.PaymentConfig{
		BaseURL:   srv.URL,
		CompanyID: "acme",
		User:      "api",
		Password:  "secret",
		PaypageID: "42",
		IPNURL:    "https://shop.example/api/payments/callback",
	}, 2*time.Second, zap.NewNop())
}

func TestICountClient_LoginOnceThenGenerateSale(t *testing.T) {
	var logins, sales atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body["cid"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": true, "sid": "sid-1"})
	})
	mux.HandleFunc("/paypage/generate_sale", func(w http.ResponseWriter, r *http.Request) {
		sales.Add(1)
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sid-1", body["sid"])
		assert.Equal(t, "42", body["paypage_id"])

		ipn, err := url.Parse(body["ipn_url"].(string))
		assert.NoError(t, err)
		assert.Equal(t, "k-1", ipn.Query().Get("order_key"))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": true, "sale_uniqid": "sale-1", "sale_url": "https://pay.example/sale-1"})
	})
	client := newTestICount(t, mux)

	for i := 0; i < 2; i++ {
		session, err := client.CreateSession(context.Background(), SessionRequest{IdempotencyKey: "k-1", Amount: 410, Currency: "ILS"})
		require.NoError(t, err)
		assert.Equal(t, "sale-1", session.ID)
		assert.Equal(t, "https://pay.example/sale-1", session.URL)
	}

	assert.Equal(t, int32(1), logins.Load())
	assert.Equal(t, int32(2), sales.Load())
}

func TestICountClient_RenewsExpiredSession(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		n := logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": true, "sid": "sid-" + string(rune('0'+n))})
	})
	mux.HandleFunc("/paypage/generate_sale", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["sid"] == "sid-1" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": false, "reason": "bad_sid"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": true, "sale_uniqid": "sale-2", "sale_url": "https://pay.example/sale-2"})
	})
	client := newTestICount(t, mux)

	session, err := client.CreateSession(context.Background(), SessionRequest{IdempotencyKey: "k-1", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "sale-2", session.ID)
	assert.Equal(t, int32(2), logins.Load())
}

func TestICountClient_LoginRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": false, "reason": "bad_login"})
	})
	client := newTestICount(t, mux)

	_, err := client.CreateSession(context.Background(), SessionRequest{IdempotencyKey: "k-1", Amount: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad_login")
}
