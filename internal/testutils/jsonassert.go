// Package testutils holds assertion helpers shared by the package test
// suites: structural JSON comparison, unified text diffs and a loader
// for the shipped example scripts.
package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics. Test-only convenience.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Presence is the placeholder an expected document uses for fields
// whose exact value varies per run, like timestamps and pty paths. The
// field must exist in the actual document; its value is not compared.
const Presence = "<<PRESENCE>>"

// JSONAssertOptions controls how documents are normalized before diffing.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops keys from the actual document that the
	// expected one does not mention, so a test pins only what it states.
	IgnoreExtraKeys bool `default:"true"`
	// AllowPresencePlaceholder enables the Presence marker.
	AllowPresencePlaceholder bool `default:"true"`
	// IgnoredFields are removed from both documents wherever they occur.
	IgnoredFields []string `default:""`
	// IgnoreArrayOrder sorts arrays on both sides before comparing.
	IgnoreArrayOrder bool `default:"false"`
}

// Option adjusts JSONAssertOptions.
type Option func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports
// differences in gojsondiff's ascii delta format.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert fails the test when actualJSON differs from expectedJSON after
// normalization.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON mismatch:\n%s", diff)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff wants objects at the root; wrap bare arrays.
	if isArray(expected) && isArray(actual) {
		expected = map[string]interface{}{"items": expected}
		actual = map[string]interface{}{"items": actual}
	}

	if ja.options.AllowPresencePlaceholder {
		adoptPresentValues(expected, actual)
	}
	// Ignored fields go before sorting: a field invisible to the
	// comparison must not influence the sort key either.
	if len(ja.options.IgnoredFields) > 0 {
		stripFields(expected, ja.options.IgnoredFields)
		stripFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("compare: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// adoptPresentValues copies actual values over Presence markers so the
// diff treats them as equal. A marker whose key is missing from the
// actual document stays put and surfaces in the diff.
func adoptPresentValues(expected, actual interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence {
				if av, exists := act[k]; exists {
					exp[k] = av
				}
				continue
			}
			adoptPresentValues(v, act[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				adoptPresentValues(exp[i], act[i])
			}
		}
	}
}

// stripFields removes the named keys everywhere they occur in doc.
func stripFields(doc interface{}, fields []string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for _, f := range fields {
			delete(v, f)
		}
		for _, child := range v {
			stripFields(child, fields)
		}
	case []interface{}:
		for _, child := range v {
			stripFields(child, fields)
		}
	}
}

// pruneExtraKeys deletes keys from actual that expected does not
// mention. Arrays are pruned element-wise.
func pruneExtraKeys(actual, expected interface{}) {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

// sortArrays orders every array in doc by the JSON encoding of its
// elements, giving both sides a deterministic order.
func sortArrays(doc interface{}) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for _, child := range v {
			sortArrays(child)
		}
	case []interface{}:
		sort.Slice(v, func(i, j int) bool {
			a, _ := json.Marshal(v[i])
			b, _ := json.Marshal(v[j])
			return string(a) < string(b)
		})
		for _, child := range v {
			sortArrays(child)
		}
	}
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// WithIgnoreExtraKeys sets whether unexpected keys in the actual
// document are ignored.
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}

// WithAllowPresencePlaceholder sets whether Presence markers are honored.
func WithAllowPresencePlaceholder(allow bool) Option {
	return func(opts *JSONAssertOptions) { opts.AllowPresencePlaceholder = allow }
}

// WithIgnoredFields names fields to drop from both documents before
// comparing.
func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

// WithIgnoreArrayOrder compares arrays as multisets.
func WithIgnoreArrayOrder(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreArrayOrder = ignore }
}
