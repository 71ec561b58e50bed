package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// ParseAttributes decodes a raw submission into an attribute map.
// Numbers are kept as json.Number so integers survive unchanged.
func ParseAttributes(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, invalidScore("submission is not valid JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalidScore("unexpected data after submission object")
	}
	attrs, ok := v.(map[string]any)
	if !ok {
		return nil, invalidScore("submission must be a JSON object")
	}
	return attrs, nil
}

// HiddenScore validates attrs against tpl and computes the weighted sum of
// its numeric attributes, in template declaration order. It also returns the
// normalised attributes: int attributes as int64, float attributes as float64.
func HiddenScore(tpl *domain.Template, attrs map[string]any) (float64, map[string]any, error) {
	normalized := make(map[string]any, len(attrs))
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		spec, ok := tpl.Attribute(name)
		if !ok {
			return 0, nil, invalidScore("unknown attribute %q", name)
		}
		value, err := coerce(spec, attrs[name])
		if err != nil {
			return 0, nil, err
		}
		normalized[name] = value
	}

	var sum float64
	for _, spec := range tpl.Attributes {
		if !spec.Scored() {
			continue
		}
		value, ok := normalized[spec.Name]
		if !ok {
			continue
		}
		sum += spec.Weight * numericValue(value)
	}
	if math.IsInf(sum, 0) || math.IsNaN(sum) {
		return 0, nil, invalidScore("hidden score is not finite")
	}
	return sum, normalized, nil
}

func coerce(spec domain.AttributeSpec, v any) (any, error) {
	if !spec.Type.IsNumeric() {
		switch v.(type) {
		case map[string]any, []any:
			return nil, invalidScore("attribute %q must be a scalar value", spec.Name)
		}
		return v, nil
	}

	var text string
	switch x := v.(type) {
	case json.Number:
		text = x.String()
	case string:
		text = strings.TrimSpace(x)
	case float64:
		text = strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		text = strconv.Itoa(x)
	case int64:
		text = strconv.FormatInt(x, 10)
	default:
		return nil, invalidScore("attribute %q must be a %s", spec.Name, spec.Type)
	}

	if spec.Type == domain.AttributeInt {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) ||
			f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, invalidScore("attribute %q must be an int", spec.Name)
		}
		return int64(f), nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, invalidScore("attribute %q must be a float", spec.Name)
	}
	return f, nil
}

func numericValue(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func invalidScore(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidScore, fmt.Sprintf(format, args...))
}
