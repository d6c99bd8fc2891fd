package settings

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidValue is returned for a bulk value the field cannot hold.
var ErrInvalidValue = errors.New("invalid settings value")

// MinWindow is the smallest correlation window side in pixels.
const MinWindow = 8

// Field selects a single logical parameter for bulk updates.
type Field int

const (
	FieldWindowFull Field = iota
	FieldWindowQuad
	FieldIterations
	FieldWhitening
	FieldClobber
	FieldClobberSize
	FieldManualWindow
)

var fieldNames = map[Field]string{
	FieldWindowFull:   "window-full",
	FieldWindowQuad:   "window-quad",
	FieldIterations:   "iterations",
	FieldWhitening:    "whitening",
	FieldClobber:      "clobber",
	FieldClobberSize:  "clobber-size",
	FieldManualWindow: "manual-window",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// ParseField resolves a field name as printed by Field.String.
func ParseField(name string) (Field, error) {
	for f, n := range fieldNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown settings field %q", name)
}

// Scope bounds a bulk update.
type Scope int

const (
	// ScopeAll updates every section of the level.
	ScopeAll Scope = iota
	// ScopeFromCurrentForward updates the given section and every later one.
	ScopeFromCurrentForward
)

// apply returns m with the field set to value. The second result is false when
// the field does not belong to m's method, in which case m is returned unchanged.
// Boolean fields treat any non-zero value as true.
func (f Field) apply(m Method, value float64) (Method, bool) {
	switch m := m.(type) {
	case Grid:
		switch f {
		case FieldWindowFull:
			m.WindowFull = int(value)
		case FieldWindowQuad:
			m.WindowQuad = int(value)
		case FieldIterations:
			m.Iterations = int(value)
		case FieldWhitening:
			m.Whitening = value
		case FieldClobber:
			m.Clobber = value != 0
		case FieldClobberSize:
			m.ClobberSize = int(value)
		default:
			return m, false
		}
		return m, true
	case Manual:
		if f != FieldManualWindow {
			return m, false
		}
		m.Window = int(value)
		return m, true
	}
	return m, false
}

// validate checks that value is something the field can hold. Integer fields
// take whole numbers only.
func (f Field) validate(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%s=%g: %w", f, value, ErrInvalidValue)
	}
	lowest := math.Inf(-1)
	switch f {
	case FieldWindowFull, FieldWindowQuad, FieldManualWindow:
		lowest = MinWindow
	case FieldIterations:
		lowest = 1
	case FieldClobberSize:
		lowest = 0
	case FieldWhitening, FieldClobber:
		return nil
	default:
		return fmt.Errorf("%s: %w", f, ErrInvalidValue)
	}
	if value != math.Trunc(value) || value > math.MaxInt32 {
		return fmt.Errorf("%s=%g is not a whole number: %w", f, value, ErrInvalidValue)
	}
	if value < lowest {
		return fmt.Errorf("%s=%g is below %g: %w", f, value, lowest, ErrInvalidValue)
	}
	return nil
}
