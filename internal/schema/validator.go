// Package schema validates canonical order documents before they are forwarded.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inkline/orderforwarder/pkg/errors"
)

const schemaURL = "https://orderforwarder.local/schemas/canonical_order.schema.json"

//go:embed canonical_order.schema.json
var canonicalOrderSchema []byte

// Result is the outcome of one validation. Errors is empty when Valid.
type Result struct {
	Valid  bool                `json:"valid"`
	Errors []errors.FieldError `json:"errors,omitempty"`
}

// Err converts an invalid result into an ErrValidation
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &errors.ErrValidation{Message: "order failed schema validation", Fields: r.Errors}
}

type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded canonical order schema
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(canonicalOrderSchema)); err != nil {
		return nil, fmt.Errorf("failed to load order schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile order schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks doc, which may be a struct, a decoded tree or raw JSON
// bytes. _raw_payload is never validated.
func (v *Validator) Validate(doc any) Result {
	instance, err := toInstance(doc)
	if err != nil {
		return Result{Errors: []errors.FieldError{{Path: "/", Message: err.Error()}}}
	}
	if obj, ok := instance.(map[string]interface{}); ok {
		delete(obj, "_raw_payload")
	}

	err = v.schema.Validate(instance)
	if err == nil {
		return Result{Valid: true}
	}

	var verr *jsonschema.ValidationError
	if !stderrors.As(err, &verr) {
		return Result{Errors: []errors.FieldError{{Path: "/", Message: err.Error()}}}
	}
	return Result{Errors: flatten(verr)}
}

func toInstance(doc any) (interface{}, error) {
	var raw []byte
	switch t := doc.(type) {
	case []byte:
		raw = t
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document is not JSON-encodable: %w", err)
		}
		raw = b
	}
	// Validate expects json.Number for numeric values
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("document is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("document is not valid JSON: trailing data")
	}
	return instance, nil
}

// flatten keeps the leaf causes, which name the failing field, and drops the
// "doesn't validate with" wrappers above them.
func flatten(root *jsonschema.ValidationError) []errors.FieldError {
	seen := map[errors.FieldError]bool{}
	var out []errors.FieldError

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		path := e.InstanceLocation
		if path == "" {
			path = "/"
		}
		fe := errors.FieldError{Path: path, Message: e.Message}
		if !seen[fe] {
			seen[fe] = true
			out = append(out, fe)
		}
	}
	walk(root)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
