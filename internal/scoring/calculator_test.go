package scoring

import (
	"testing"

	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTemplate(t *testing.T, raw string) *domain.Template {
	t.Helper()
	tpl, err := ParseTemplate([]byte(raw))
	require.NoError(t, err)
	return tpl
}

func score(t *testing.T, tpl *domain.Template, raw string) (float64, map[string]any, error) {
	t.Helper()
	attrs, err := ParseAttributes([]byte(raw))
	if err != nil {
		return 0, nil, err
	}
	return HiddenScore(tpl, attrs)
}

func TestHiddenScore_Scenario(t *testing.T) {
	tpl := mustTemplate(t, exampleConfig)

	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{name: "first submission", raw: `{"score": 120, "nb_ennemis": 20, "text_lol": "coucou"}`, want: 100},
		{name: "better submission", raw: `{"score": 130, "nb_ennemis": 20, "text_lol": "TEST"}`, want: 108},
		{name: "worse submission", raw: `{"score": 120, "nb_ennemis": 10, "text_lol": "AAAA"}`, want: 98},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := score(t, tpl, tt.raw)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestHiddenScore_PartialSubmission(t *testing.T) {
	tpl := mustTemplate(t, exampleConfig)

	got, attrs, err := score(t, tpl, `{"score": 50}`)
	require.NoError(t, err)
	assert.InDelta(t, 40, got, 1e-9)
	assert.Equal(t, map[string]any{"score": int64(50)}, attrs)

	got, attrs, err = score(t, tpl, `{}`)
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Empty(t, attrs)
}

func TestHiddenScore_Coercion(t *testing.T) {
	tpl := mustTemplate(t, `{"attributes": {
		"kills": {"weight": 0.5, "type": "int"},
		"time":  {"weight": 0.5, "type": "float"},
		"bonus": {"weight": 0,   "type": "int"},
		"note":  {"weight": 0,   "type": "string"}
	}}`)

	got, attrs, err := score(t, tpl, `{"kills": "4", "time": "1.5", "bonus": 7.0, "note": 3}`)
	require.NoError(t, err)
	assert.InDelta(t, 2.75, got, 1e-9)
	assert.Equal(t, int64(4), attrs["kills"])
	assert.Equal(t, 1.5, attrs["time"])
	assert.Equal(t, int64(7), attrs["bonus"])
}

func TestHiddenScore_Invalid(t *testing.T) {
	tpl := mustTemplate(t, `{"attributes": {
		"kills": {"weight": 0.5, "type": "int"},
		"time":  {"weight": 0.5, "type": "float"},
		"note":  {"weight": 0,   "type": "string"}
	}}`)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `invalid score`},
		{name: "broken json", raw: `{"kills" : invalid,json}`},
		{name: "array", raw: `[1, 2]`},
		{name: "null", raw: `null`},
		{name: "unknown attribute", raw: `{"kills": 1, "deaths": 2}`},
		{name: "fractional int", raw: `{"kills": 1.5}`},
		{name: "text for int", raw: `{"kills": "many"}`},
		{name: "bool for float", raw: `{"time": true}`},
		{name: "null for float", raw: `{"time": null}`},
		{name: "infinite float", raw: `{"time": "Inf"}`},
		{name: "object for string", raw: `{"note": {"a": 1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := score(t, tpl, tt.raw)
			assert.ErrorIs(t, err, domain.ErrInvalidScore)
		})
	}
}

func TestHiddenScore_Deterministic(t *testing.T) {
	tpl := mustTemplate(t, `{"attributes": {
		"a": {"weight": 0.1, "type": "float"},
		"b": {"weight": 0.2, "type": "float"},
		"c": {"weight": 0.3, "type": "float"},
		"d": {"weight": 0.4, "type": "float"}
	}}`)

	first, _, err := score(t, tpl, `{"d": 0.3, "c": 1e16, "b": 0.7, "a": -1e16}`)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, _, err := score(t, tpl, `{"a": -1e16, "b": 0.7, "c": 1e16, "d": 0.3}`)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}
