package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ValidateValue checks the value shape for kind. Values are never coerced:
// "true" as a string is not a feature flag.
func ValidateValue(kind, key string, raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("%w: value is required", ErrInvalidOverride)
	}

	var value any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("%w: value is not valid json", ErrInvalidOverride)
	}

	switch kind {
	case KindFeature:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: feature override must be a boolean", ErrInvalidOverride)
		}
	case KindLimit:
		switch key {
		case LimitSeats, LimitLocations, LimitRefreshQuota:
		default:
			return fmt.Errorf("%w: unknown limit %q", ErrInvalidKey, key)
		}
		if _, err := nonNegativeInt(value); err != nil {
			return err
		}
	case KindQuota:
		if _, err := nonNegativeInt(value); err != nil {
			return err
		}
	case KindPricing:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%w: pricing override must be an object", ErrInvalidOverride)
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

// IntValue reads a validated limit or quota value.
func (o Override) IntValue() (int64, bool) {
	var n json.Number
	decoder := json.NewDecoder(bytes.NewReader(o.Value))
	decoder.UseNumber()
	if err := decoder.Decode(&n); err != nil {
		return 0, false
	}
	v, err := nonNegativeInt(n)
	if err != nil {
		return 0, false
	}
	return v, true
}

// BoolValue reads a validated feature value.
func (o Override) BoolValue() (bool, bool) {
	var b bool
	if err := json.Unmarshal(o.Value, &b); err != nil {
		return false, false
	}
	return b, true
}

func NormalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func nonNegativeInt(value any) (int64, error) {
	n, ok := value.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: value must be a number", ErrInvalidOverride)
	}
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%w: value must be an integer", ErrInvalidOverride)
		}
		i = int64(f)
	}
	if i < 0 {
		return 0, fmt.Errorf("%w: value must not be negative", ErrInvalidOverride)
	}
	return i, nil
}
