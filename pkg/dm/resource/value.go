package resource

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the value type stored in a node.
type Kind int

const (
	KindComposite Kind = iota
	KindString
	KindNumber
	KindDate
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindComposite:
		return "composite"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DateFormat is the wire layout of date values. Dates are always encoded in UTC.
const DateFormat = "2006-01-02T15:04:05-07:00"

// normalize converts v into the canonical Go representation for kind:
// string, float64, time.Time or a decoded JSON value.
func normalize(kind Kind, v interface{}) (interface{}, error) {
	switch kind {
	case KindComposite:
		return nil, ErrUnsupportedOnComposite
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, v)
		}
		return s, nil
	case KindNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint32:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%w: expected number, got %T", ErrInvalidValue, v)
	case KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			return parseDate(t)
		}
		return nil, fmt.Errorf("%w: expected time, got %T", ErrInvalidValue, v)
	case KindObject:
		if v == nil {
			return nil, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		var out interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidValue, kind)
}

// decode turns a wire value into the canonical representation for kind.
func decode(kind Kind, raw json.RawMessage) (interface{}, error) {
	switch kind {
	case KindComposite:
		return nil, ErrUnsupportedOnComposite
	case KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return s, nil
	case KindNumber:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return f, nil
	case KindDate:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return parseDate(s)
	case KindObject:
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidValue, kind)
}

// encode returns the wire form of a canonical value.
func encode(kind Kind, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if kind == KindDate {
		return v.(time.Time).UTC().Format(DateFormat)
	}
	return v
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateFormat, time.RFC3339Nano, "2006-01-02T15:04:05.000-0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse date %q", ErrInvalidValue, s)
}
