package schema

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkline/orderforwarder/internal/domain"
	"github.com/inkline/orderforwarder/internal/normalizer"
	"github.com/inkline/orderforwarder/pkg/errors"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func normalizedOrder() *domain.CanonicalOrder {
	return normalizer.Normalize(map[string]any{
		"idempotency_key": "k-1",
		"cart": []any{
			map[string]any{
				"sku":          "TS-100",
				"name":         "Tee",
				"totalPrice":   350,
				"sizeMatrices": map[string]any{"black": map[string]any{"M": 3, "L": 2}},
				"mockup":       "data:image/png;base64,iVBORw0KGgo=",
			},
		},
	}, normalizer.Options{Now: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)})
}

// asMap round-trips a document so tests can break it field by field
func asMap(t *testing.T, doc any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestValidate_NormalizedOrderIsValid(t *testing.T) {
	res := newValidator(t).Validate(normalizedOrder())

	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err())
}

func TestValidate_MissingSectionsReported(t *testing.T) {
	doc := asMap(t, normalizedOrder())
	delete(doc, "order")
	delete(doc, "customer")

	res := newValidator(t).Validate(doc)

	require.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "/", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "order")
	assert.Contains(t, res.Errors[0].Message, "customer")
}

func TestValidate_FieldLevelPaths(t *testing.T) {
	doc := asMap(t, normalizedOrder())
	doc["order"].(map[string]any)["totals"].(map[string]any)["grand_total"] = "410"
	doc["items"].([]any)[0].(map[string]any)["size_breakdown"].([]any)[0].(map[string]any)["qty"] = -1

	res := newValidator(t).Validate(doc)

	require.False(t, res.Valid)
	paths := make([]string, 0, len(res.Errors))
	for _, fe := range res.Errors {
		paths = append(paths, fe.Path)
	}
	assert.Contains(t, paths, "/order/totals/grand_total")
	assert.Contains(t, paths, "/items/0/size_breakdown/0/qty")
}

func TestValidate_RawPayloadIgnored(t *testing.T) {
	doc := asMap(t, normalizedOrder())
	doc["_raw_payload"] = map[string]any{"order": "not an object", "items": 12}

	res := newValidator(t).Validate(doc)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestValidate_PlacementShapeChecked(t *testing.T) {
	doc := asMap(t, normalizedOrder())
	doc["items"].([]any)[0].(map[string]any)["mockup"] = map[string]any{"dropbox_path": "/orders/1/a.png"}

	res := newValidator(t).Validate(doc)

	require.False(t, res.Valid)
	assert.Equal(t, "/items/0/mockup", res.Errors[0].Path)
}

func TestValidate_FailedPlacementAccepted(t *testing.T) {
	doc := asMap(t, normalizedOrder())
	doc["items"].([]any)[0].(map[string]any)["mockup"] = map[string]any{"error": "upload failed"}

	res := newValidator(t).Validate(doc)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestValidate_RawBytes(t *testing.T) {
	v := newValidator(t)

	res := v.Validate([]byte(`{"event":"order.partial"`))
	require.False(t, res.Valid)
	assert.Equal(t, "/", res.Errors[0].Path)

	res = v.Validate([]byte(`[]`))
	assert.False(t, res.Valid)
}

func TestResult_Err(t *testing.T) {
	res := Result{Errors: []errors.FieldError{{Path: "/order", Message: "missing"}}}

	var verr *errors.ErrValidation
	require.True(t, stderrors.As(res.Err(), &verr))
	assert.Equal(t, res.Errors, verr.Fields)
}
