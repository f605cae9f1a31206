package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONAsserterDefaults(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.True(t, ja.options.IgnoreExtraKeys)
	assert.True(t, ja.options.AllowPresencePlaceholder)
	assert.False(t, ja.options.IgnoreArrayOrder)
	assert.Empty(t, ja.options.IgnoredFields)
}

func TestJSONAsserterEqualDocuments(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"id":"left","n":3}`, `{"n":3,"id":"left"}`)
	assert.Empty(t, diff, "key order must not matter")
}

func TestJSONAsserterReportsValueMismatch(t *testing.T) {
	ja := NewJSONAsserter(t)
	diff := ja.diff(`{"id":"123","name":"wrong"}`, `{"id":"123","name":"right"}`)
	require.NotEmpty(t, diff)
	assert.Contains(t, diff, "name")
}

func TestJSONAsserterPresencePlaceholder(t *testing.T) {
	ja := NewJSONAsserter(t)

	diff := ja.diff(`{"id":"1","host_time":1758348286}`, `{"id":"1","host_time":"<<PRESENCE>>"}`)
	assert.Empty(t, diff, "placeholder accepts any present value")

	diff = ja.diff(`{"id":"1"}`, `{"id":"1","host_time":"<<PRESENCE>>"}`)
	assert.NotEmpty(t, diff, "placeholder still requires the key to exist")

	strict := NewJSONAsserter(t).WithOptions(WithAllowPresencePlaceholder(false))
	diff = strict.diff(`{"id":"1","host_time":1758348286}`, `{"id":"1","host_time":"<<PRESENCE>>"}`)
	require.NotEmpty(t, diff)
	assert.Contains(t, diff, Presence)
}

func TestJSONAsserterExtraKeys(t *testing.T) {
	actual := `{"id":"123","name":"dev","rssi":-42}`
	expected := `{"id":"123","name":"dev"}`

	ja := NewJSONAsserter(t)
	assert.Empty(t, ja.diff(actual, expected), "extra keys ignored by default")

	strict := NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false))
	assert.NotEmpty(t, strict.diff(actual, expected))
}

func TestJSONAsserterIgnoredFields(t *testing.T) {
	ja := NewJSONAsserter(t).WithOptions(WithIgnoredFields("host_time"))

	diff := ja.diff(
		`{"msg":"boot","host_time":100,"nested":{"host_time":1}}`,
		`{"msg":"boot","host_time":999,"nested":{"host_time":2}}`,
	)
	assert.Empty(t, diff, "ignored fields are dropped at every depth")

	diff = ja.diff(`{"msg":"boot","host_time":100}`, `{"msg":"halt","host_time":100}`)
	assert.NotEmpty(t, diff, "other fields still compared")
}

func TestJSONAsserterArrayOrder(t *testing.T) {
	actual := `{"items":[3,1,2]}`
	expected := `{"items":[1,2,3]}`

	ordered := NewJSONAsserter(t)
	assert.NotEmpty(t, ordered.diff(actual, expected))

	unordered := NewJSONAsserter(t).WithOptions(WithIgnoreArrayOrder(true))
	assert.Empty(t, unordered.diff(actual, expected))

	diff := unordered.diff(`{"items":[1,2,3]}`, `{"items":[1,2,4]}`)
	assert.NotEmpty(t, diff, "different elements never match")
}

func TestJSONAsserterSortsBeforePruning(t *testing.T) {
	// The ignored field must not leak into the sort key, or two records
	// with identical visible content would align against the wrong
	// expected elements.
	ja := NewJSONAsserter(t).WithOptions(
		WithIgnoreArrayOrder(true),
		WithIgnoredFields("seq"),
	)
	diff := ja.diff(
		`{"events":[{"id":"b","seq":1},{"id":"a","seq":2}]}`,
		`{"events":[{"id":"a","seq":9},{"id":"b","seq":8}]}`,
	)
	assert.Empty(t, diff)
}

func TestJSONAsserterRootArrays(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.Empty(t, ja.diff(`[{"id":"1"},{"id":"2"}]`, `[{"id":"1"},{"id":"2"}]`))
	assert.NotEmpty(t, ja.diff(`[{"id":"1"}]`, `[{"id":"2"}]`))
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	ja := NewJSONAsserter(t)
	assert.Contains(t, ja.diff(`{"ok":true}`, `{broken`), "invalid expected JSON")
	assert.Contains(t, ja.diff(`{broken`, `{"ok":true}`), "invalid actual JSON")
}

func TestMustJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, MustJSON(map[string]int{"a": 1}))
	assert.Panics(t, func() { MustJSON(make(chan int)) })
}
