// Package compose chains pairwise transforms into per-section cumulative
// transforms for one level.
package compose

import (
	"errors"
	"fmt"

	"stackalign/pkg/geometry"
)

var (
	// ErrMissingPredecessor marks a section whose reference has no cumulative transform.
	ErrMissingPredecessor = errors.New("reference section is not aligned")
	// ErrStaleResult marks a section without a pairwise result for its current settings.
	ErrStaleResult = errors.New("no current pairwise result")
	// ErrNothingAligned is returned when every section is excluded.
	ErrNothingAligned = errors.New("no non-excluded sections: nothing aligned")
)

// NoReference is the reference of the anchor and of leading excluded sections.
const NoReference = -1

// Status describes how a section took part in the chain.
type Status int

const (
	StatusAnchor Status = iota
	StatusAligned
	StatusExcluded
	StatusUnaligned
)

func (s Status) String() string {
	switch s {
	case StatusAnchor:
		return "anchor"
	case StatusAligned:
		return "aligned"
	case StatusExcluded:
		return "excluded"
	case StatusUnaligned:
		return "unaligned"
	default:
		return "unknown"
	}
}

// Entry is one section of a composed frame. Affine is meaningful only when
// Valid is set; it maps frame coordinates to the section's own coordinates.
type Entry struct {
	Section   int
	Reference int
	Status    Status
	Valid     bool
	Affine    geometry.AffineTransform
	Err       error
}

// Frame is the composed level: one entry per section in index order.
type Frame struct {
	Anchor  int
	Entries []Entry
	Bias    *BiasFit
}

// Affine returns the cumulative transform of section z, if it has one.
func (f *Frame) Affine(z int) (geometry.AffineTransform, bool) {
	if z < 0 || z >= len(f.Entries) || !f.Entries[z].Valid {
		return geometry.AffineTransform{}, false
	}
	return f.Entries[z].Affine, true
}

// Unaligned lists the sections waiting on a result or a predecessor.
func (f *Frame) Unaligned() []int {
	var out []int
	for _, e := range f.Entries {
		if e.Status == StatusUnaligned {
			out = append(out, e.Section)
		}
	}
	return out
}

// PairwiseFunc returns the current pairwise transform of section z against
// reference ref, mapping ref's coordinates to z's. It returns an error wrapping
// ErrStaleResult when there is none.
type PairwiseFunc func(z, ref int) (geometry.AffineTransform, error)

// Options tunes composition.
type Options struct {
	// BiasOrder is the polynomial order (0-4) of the drift removed after
	// chaining, or NoBias.
	BiasOrder int
}

// NoBias disables bias correction.
const NoBias = -1

// Compose walks the sections in index order. The first non-excluded section
// is the anchor with the identity transform. An excluded section shares the
// transform of the nearest preceding non-excluded section and contributes
// nothing; each other section chains its pairwise transform onto its
// reference's cumulative transform.
func Compose(excluded []bool, pairwise PairwiseFunc, opts Options) (*Frame, error) {
	anchor := NoReference
	for z, ex := range excluded {
		if !ex {
			anchor = z
			break
		}
	}
	if anchor == NoReference {
		return nil, ErrNothingAligned
	}
	if opts.BiasOrder > MaxBiasOrder {
		return nil, fmt.Errorf("bias order %d exceeds %d", opts.BiasOrder, MaxBiasOrder)
	}

	entries := make([]Entry, len(excluded))
	last := NoReference
	for z := range excluded {
		e := Entry{Section: z, Reference: last}
		switch {
		case z < anchor:
			// shares the anchor's transform, filled in below
			e.Status = StatusExcluded
			e.Reference = NoReference
		case z == anchor:
			e.Status = StatusAnchor
			e.Valid = true
			e.Affine = geometry.Identity()
		case excluded[z]:
			e.Status = StatusExcluded
			if !entries[last].Valid {
				e.Err = fmt.Errorf("section %d: %w", last, ErrMissingPredecessor)
			}
		case !entries[last].Valid:
			e.Status = StatusUnaligned
			e.Err = fmt.Errorf("reference %d: %w", last, ErrMissingPredecessor)
		default:
			p, err := pairwise(z, last)
			if err != nil {
				e.Status = StatusUnaligned
				e.Err = err
				break
			}
			e.Status = StatusAligned
			e.Valid = true
			e.Affine = p.Compose(entries[last].Affine)
		}
		entries[z] = e
		if !excluded[z] {
			last = z
		}
	}

	frame := &Frame{Anchor: anchor, Entries: entries}
	if opts.BiasOrder != NoBias {
		fit, err := correctBias(entries, opts.BiasOrder)
		if err != nil {
			return nil, err
		}
		frame.Bias = fit
	}

	// excluded sections follow their (possibly corrected) predecessor
	for z := range entries {
		e := &entries[z]
		if e.Status != StatusExcluded {
			continue
		}
		src := e.Reference
		if src == NoReference {
			src = anchor
		}
		e.Valid = entries[src].Valid
		e.Affine = entries[src].Affine
	}
	return frame, nil
}
