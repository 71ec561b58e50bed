// Package scoring holds the pure parts of the leaderboard engine: template
// validation, hidden score computation and rank assignment.
package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// WeightEpsilon is the tolerance applied to the weight sum of a template
const WeightEpsilon = 1e-6

// ParseTemplate validates a raw JSON game configuration and returns the
// immutable template it describes. Every failure wraps domain.ErrInvalidConfig.
func ParseTemplate(raw []byte) (*domain.Template, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, invalidConfig("config must be a JSON object")
	}

	var (
		attrs     []domain.AttributeSpec
		keepLower bool
		allowTies = true
		seen      = make(map[string]bool)
	)

	for dec.More() {
		key, err := nextKey(dec)
		if err != nil {
			return nil, invalidConfig("malformed config: %v", err)
		}
		if seen[key] {
			return nil, invalidConfig("duplicate key %q", key)
		}
		seen[key] = true

		switch key {
		case "attributes":
			attrs, err = parseAttributeSpecs(dec)
		case "keep_lower_scores":
			keepLower, err = decodeBool(dec, key)
		case "allow_ties":
			allowTies, err = decodeBool(dec, key)
		default:
			err = invalidConfig("unknown key %q", key)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, invalidConfig("malformed config: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalidConfig("unexpected data after config object")
	}

	if len(attrs) == 0 {
		return nil, invalidConfig("attributes must be a non-empty object")
	}
	if err := checkWeightSum(attrs); err != nil {
		return nil, err
	}

	return domain.NewTemplate(attrs, keepLower, allowTies), nil
}

func parseAttributeSpecs(dec *json.Decoder) ([]domain.AttributeSpec, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, invalidConfig("attributes must be a JSON object")
	}

	var attrs []domain.AttributeSpec
	seen := make(map[string]bool)
	for dec.More() {
		name, err := nextKey(dec)
		if err != nil {
			return nil, invalidConfig("malformed attributes: %v", err)
		}
		if name == "" {
			return nil, invalidConfig("attribute name must not be empty")
		}
		if seen[name] {
			return nil, invalidConfig("duplicate attribute %q", name)
		}
		seen[name] = true

		var body any
		if err := dec.Decode(&body); err != nil {
			return nil, invalidConfig("malformed attribute %q: %v", name, err)
		}
		spec, err := attributeSpec(name, body)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, spec)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, invalidConfig("malformed attributes: %v", err)
	}
	return attrs, nil
}

func attributeSpec(name string, body any) (domain.AttributeSpec, error) {
	fields, ok := body.(map[string]any)
	if !ok {
		return domain.AttributeSpec{}, invalidConfig("attribute %q must be an object", name)
	}
	for k := range fields {
		if k != "weight" && k != "type" {
			return domain.AttributeSpec{}, invalidConfig("attribute %q has unknown field %q", name, k)
		}
	}

	rawWeight, ok := fields["weight"]
	if !ok {
		return domain.AttributeSpec{}, invalidConfig("attribute %q is missing a weight", name)
	}
	num, ok := rawWeight.(json.Number)
	if !ok {
		return domain.AttributeSpec{}, invalidConfig("weight of %q must be a number", name)
	}
	weight, err := num.Float64()
	if err != nil || math.IsNaN(weight) || weight < 0 || weight > 1 {
		return domain.AttributeSpec{}, invalidConfig("weight of %q must be within [0,1]", name)
	}

	rawType, ok := fields["type"]
	if !ok {
		return domain.AttributeSpec{}, invalidConfig("attribute %q is missing a type", name)
	}
	typeName, ok := rawType.(string)
	if !ok || !domain.AttributeType(typeName).Valid() {
		return domain.AttributeSpec{}, invalidConfig("attribute %q has unsupported type %v", name, rawType)
	}

	return domain.AttributeSpec{
		Name:   name,
		Weight: weight,
		Type:   domain.AttributeType(typeName),
	}, nil
}

func checkWeightSum(attrs []domain.AttributeSpec) error {
	var sum float64
	for _, a := range attrs {
		if a.Scored() {
			sum += a.Weight
		}
	}
	if math.Abs(sum-1) > WeightEpsilon {
		return invalidConfig("weights of numeric attributes sum to %g, want 1", sum)
	}
	return nil
}

func decodeBool(dec *json.Decoder, key string) (bool, error) {
	var v any
	if err := dec.Decode(&v); err != nil {
		return false, invalidConfig("malformed %s: %v", key, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalidConfig("%s must be a boolean", key)
	}
	return b, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func nextKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}
