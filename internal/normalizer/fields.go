package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/inkline/orderforwarder/internal/jsontree"
)

// asObject returns v as an object, decoding a stringified object once.
func asObject(v any) *jsontree.Object {
	if obj, ok := jsontree.ParseLoose(v).(*jsontree.Object); ok {
		return obj
	}
	return nil
}

// asList returns v as a sequence, decoding a stringified array once.
// An object is read as the sequence of its values.
func asList(v any) []any {
	switch t := jsontree.ParseLoose(v).(type) {
	case []any:
		return t
	case *jsontree.Object:
		out := make([]any, 0, t.Len())
		for _, k := range t.Keys() {
			out = append(out, t.Value(k))
		}
		return out
	default:
		return nil
	}
}

// asString renders scalars as text. Objects, arrays and null yield "".
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	default:
		return decimal.Zero, false
	}
}

// MaxQty bounds a single size quantity. Larger values are treated as unreadable.
const MaxQty = 1_000_000

var maxQtyDecimal = decimal.NewFromInt(MaxQty)

// asQty coerces a quantity to a non-negative integer; anything unreadable or
// out of range is 0.
func asQty(v any) int {
	d, ok := asDecimal(v)
	if !ok || d.IsNegative() || d.GreaterThan(maxQtyDecimal) {
		return 0
	}
	return int(d.IntPart())
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off", "":
			return false, true
		}
	case json.Number:
		return t.String() != "0", true
	}
	return false, false
}

// firstString returns the first non-empty string found under any of keys, scanning
// objects in order and keys in order within each object.
func firstString(objs []*jsontree.Object, keys ...string) string {
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		for _, k := range keys {
			if s := asString(obj.Value(k)); s != "" {
				return s
			}
		}
	}
	return ""
}

// firstValue returns the first present, non-null value under any of keys.
func firstValue(obj *jsontree.Object, keys ...string) any {
	if obj == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := obj.Get(k); ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}
