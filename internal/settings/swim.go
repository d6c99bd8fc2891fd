// Package settings holds per-section, per-level SWIM configuration and level defaults.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stackalign/pkg/geometry"
)

// ErrInsufficientCorrespondence is reported when a section has fewer than three
// independent constraints and so cannot yield an affine transform.
var ErrInsufficientCorrespondence = errors.New("insufficient correspondence: an affine needs 3 constraints")

// NoReference marks a section that has nothing to align to (the stack anchor).
const NoReference = -1

// MinConstraints is the number of quadrants or point pairs an affine fit needs.
const MinConstraints = 3

// MethodKind names the active correlation method.
type MethodKind int

const (
	MethodGrid MethodKind = iota
	MethodManual
)

func (k MethodKind) String() string {
	switch k {
	case MethodGrid:
		return "grid"
	case MethodManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseMethodKind converts a method name back to its kind.
func ParseMethodKind(s string) (MethodKind, error) {
	switch strings.ToLower(s) {
	case "grid":
		return MethodGrid, nil
	case "manual":
		return MethodManual, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

// Method is the method-specific part of a Swim value. It is implemented only
// by Grid and Manual, both comparable value types.
type Method interface {
	Kind() MethodKind
	constraints() int
}

// Quadrant is one of the four regions of the 2x2 grid pass.
type Quadrant int

const (
	TopLeft Quadrant = iota
	TopRight
	BottomLeft
	BottomRight
)

var quadrantNames = [...]string{"TL", "TR", "BL", "BR"}

func (q Quadrant) String() string {
	if q < TopLeft || q > BottomRight {
		return "?"
	}
	return quadrantNames[q]
}

// QuadrantSet is a bit set of active quadrants.
type QuadrantSet uint8

// AllQuadrants has every quadrant active.
const AllQuadrants QuadrantSet = 1<<TopLeft | 1<<TopRight | 1<<BottomLeft | 1<<BottomRight

// NewQuadrantSet builds a set from individual quadrants.
func NewQuadrantSet(qs ...Quadrant) QuadrantSet {
	var s QuadrantSet
	for _, q := range qs {
		s |= 1 << q
	}
	return s
}

// Has reports whether q is active.
func (s QuadrantSet) Has(q Quadrant) bool {
	return s&(1<<q) != 0
}

// Len returns the number of active quadrants.
func (s QuadrantSet) Len() int {
	n := 0
	for q := TopLeft; q <= BottomRight; q++ {
		if s.Has(q) {
			n++
		}
	}
	return n
}

// Quadrants lists the active quadrants in canonical order.
func (s QuadrantSet) Quadrants() []Quadrant {
	out := make([]Quadrant, 0, 4)
	for q := TopLeft; q <= BottomRight; q++ {
		if s.Has(q) {
			out = append(out, q)
		}
	}
	return out
}

// MarshalJSON writes the set as a list of quadrant names.
func (s QuadrantSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 4)
	for _, q := range s.Quadrants() {
		names = append(names, q.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts quadrant names in any order.
func (s *QuadrantSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	set, err := ParseQuadrants(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// ParseQuadrants builds a set from quadrant names (TL, TR, BL, BR), ignoring case.
func ParseQuadrants(names []string) (QuadrantSet, error) {
	var set QuadrantSet
	for _, name := range names {
		found := false
		for i, n := range quadrantNames {
			if strings.EqualFold(n, name) {
				set |= 1 << Quadrant(i)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown quadrant %q", name)
		}
	}
	return set, nil
}

// Grid configures the whole-image pass followed by the 2x2 quadrant pass.
type Grid struct {
	WindowFull  int         `json:"window_full"`
	WindowQuad  int         `json:"window_quad"`
	Iterations  int         `json:"iterations"`
	Whitening   float64     `json:"whitening"`
	Clobber     bool        `json:"clobber"`
	ClobberSize int         `json:"clobber_size"`
	Quadrants   QuadrantSet `json:"quadrants"`
}

// Kind implements Method.
func (Grid) Kind() MethodKind { return MethodGrid }

func (g Grid) constraints() int { return g.Quadrants.Len() }

// PointPair is one correspondence between the reference image and the image being transformed.
type PointPair struct {
	Set bool             `json:"set"`
	Ref geometry.Point2D `json:"ref"`
	Mov geometry.Point2D `json:"mov"`
}

// Manual aligns from user-picked correspondences. Slots are positional:
// slot i always describes the same region of the image.
type Manual struct {
	Window int          `json:"window"`
	Points [3]PointPair `json:"points"`
}

// Kind implements Method.
func (Manual) Kind() MethodKind { return MethodManual }

func (m Manual) constraints() int {
	n := 0
	for _, p := range m.Points {
		if p.Set {
			n++
		}
	}
	return n
}

// SetPoint fills slot i with a correspondence.
func (m Manual) SetPoint(i int, ref, mov geometry.Point2D) Manual {
	m.Points[i] = PointPair{Set: true, Ref: ref, Mov: mov}
	return m
}

// ClearPoint empties slot i.
func (m Manual) ClearPoint(i int) Manual {
	m.Points[i] = PointPair{}
	return m
}

// Swim is the configuration for aligning one section to its reference at one level.
// Values are immutable by convention; every mutation goes through the Store.
type Swim struct {
	Reference int
	Method    Method
	Note      string
}

// DefaultGrid returns the baseline grid parameters.
func DefaultGrid() Grid {
	return Grid{
		WindowFull:  1024,
		WindowQuad:  512,
		Iterations:  3,
		Whitening:   -0.68,
		ClobberSize: 3,
		Quadrants:   AllQuadrants,
	}
}

// Default returns grid settings with every quadrant active and no reference.
func Default() Swim {
	return Swim{Reference: NoReference, Method: DefaultGrid()}
}

// Ready returns ErrInsufficientCorrespondence when the method cannot constrain an affine.
// Manual needs exactly three filled slots; Grid needs at least three active quadrants.
func (s Swim) Ready() error {
	if s.Method == nil {
		return fmt.Errorf("no method configured: %w", ErrInsufficientCorrespondence)
	}
	n := s.Method.constraints()
	if n < MinConstraints {
		return fmt.Errorf("%s method has %d of %d: %w", s.Method.Kind(), n, MinConstraints, ErrInsufficientCorrespondence)
	}
	return nil
}

// SameParameters compares the method-specific parameters, ignoring Reference and Note.
func (s Swim) SameParameters(other Swim) bool {
	return s.Method == other.Method
}

type swimDoc struct {
	Reference int     `json:"reference"`
	Method    string  `json:"method"`
	Grid      *Grid   `json:"grid,omitempty"`
	Manual    *Manual `json:"manual,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// MarshalJSON writes the tagged variant with a method discriminator.
func (s Swim) MarshalJSON() ([]byte, error) {
	doc := swimDoc{Reference: s.Reference, Note: s.Note}
	switch m := s.Method.(type) {
	case Grid:
		doc.Method = MethodGrid.String()
		doc.Grid = &m
	case Manual:
		doc.Method = MethodManual.String()
		doc.Manual = &m
	default:
		return nil, fmt.Errorf("unsupported method %T", s.Method)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (s *Swim) UnmarshalJSON(data []byte) error {
	var doc swimDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	kind, err := ParseMethodKind(doc.Method)
	if err != nil {
		return err
	}
	out := Swim{Reference: doc.Reference, Note: doc.Note}
	switch kind {
	case MethodGrid:
		if doc.Grid == nil {
			return errors.New("grid method without grid parameters")
		}
		out.Method = *doc.Grid
	case MethodManual:
		if doc.Manual == nil {
			return errors.New("manual method without manual parameters")
		}
		out.Method = *doc.Manual
	}
	*s = out
	return nil
}
