package settings

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for a section or level index outside the store.
var ErrOutOfRange = errors.New("section or level out of range")

// Origin records who last wrote a section's settings.
type Origin int

const (
	OriginDefaults Origin = iota
	OriginUser
	OriginPropagation
	OriginLoad
)

func (o Origin) String() string {
	switch o {
	case OriginDefaults:
		return "defaults"
	case OriginUser:
		return "user"
	case OriginPropagation:
		return "propagation"
	case OriginLoad:
		return "load"
	default:
		return "unknown"
	}
}

// ParseOrigin converts an origin name back to its value.
func ParseOrigin(name string) (Origin, error) {
	for o := OriginDefaults; o <= OriginLoad; o++ {
		if o.String() == name {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown settings origin %q", name)
}

// MarshalText writes the origin name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText reads the form written by MarshalText.
func (o *Origin) UnmarshalText(text []byte) error {
	v, err := ParseOrigin(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

type entry struct {
	swim   Swim
	origin Origin
}

// Store owns every section's Swim value at every level plus the per-level defaults.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sections int
	defaults []Swim
	table    [][]entry // [level][section]
}

// NewStore seeds every section of every level with that level's defaults and
// links references as if nothing were excluded.
func NewStore(sections int, defaults []Swim) *Store {
	s := &Store{
		sections: sections,
		defaults: make([]Swim, len(defaults)),
		table:    make([][]entry, len(defaults)),
	}
	for l, d := range defaults {
		d.Reference = NoReference
		s.defaults[l] = d
		row := make([]entry, sections)
		for z := range row {
			row[z] = entry{swim: d, origin: OriginDefaults}
		}
		s.table[l] = row
	}
	s.relinkLocked(make([]bool, sections))
	return s
}

// Sections returns the number of sections per level.
func (s *Store) Sections() int { return s.sections }

// Levels returns the number of levels.
func (s *Store) Levels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

func (s *Store) check(z, level int) error {
	if level < 0 || level >= len(s.table) || z < 0 || z >= s.sections {
		return fmt.Errorf("section %d level %d: %w", z, level, ErrOutOfRange)
	}
	return nil
}

// Get returns the current settings of a section.
func (s *Store) Get(z, level int) (Swim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(z, level); err != nil {
		return Swim{}, err
	}
	return s.table[level][z].swim, nil
}

// Ready reports whether the section's settings carry enough constraints to be aligned.
func (s *Store) Ready(z, level int) error {
	sw, err := s.Get(z, level)
	if err != nil {
		return err
	}
	if err := sw.Ready(); err != nil {
		return fmt.Errorf("section %d level %d: %w", z, level, err)
	}
	return nil
}

// Origin returns who last wrote the section's settings.
func (s *Store) Origin(z, level int) (Origin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(z, level); err != nil {
		return 0, err
	}
	return s.table[level][z].origin, nil
}

// Set replaces a section's settings. The stored Reference is kept: references
// are owned by Relink and cannot be changed through Set.
func (s *Store) Set(z, level int, sw Swim, origin Origin) error {
	if sw.Method == nil {
		return errors.New("settings without a method")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(z, level); err != nil {
		return err
	}
	sw.Reference = s.table[level][z].swim.Reference
	s.table[level][z] = entry{swim: sw, origin: origin}
	return nil
}

// ApplyDefaults resets a section to its level's defaults.
func (s *Store) ApplyDefaults(z, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(z, level); err != nil {
		return err
	}
	cur := s.table[level][z].swim
	d := s.defaults[level]
	d.Reference = cur.Reference
	d.Note = cur.Note
	s.table[level][z] = entry{swim: d, origin: OriginDefaults}
	return nil
}

// IsDefault reports whether a section's parameters equal its level's defaults.
func (s *Store) IsDefault(z, level int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(z, level); err != nil {
		return false, err
	}
	return s.table[level][z].swim.SameParameters(s.defaults[level]), nil
}

// Defaults returns the level's baseline settings.
func (s *Store) Defaults(level int) (Swim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level < 0 || level >= len(s.defaults) {
		return Swim{}, fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	return s.defaults[level], nil
}

// SetDefaults replaces the level's baseline settings. Sections are not touched.
func (s *Store) SetDefaults(level int, sw Swim) error {
	if sw.Method == nil {
		return errors.New("defaults without a method")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level >= len(s.defaults) {
		return fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	sw.Reference = NoReference
	s.defaults[level] = sw
	return nil
}

// ApplyToAll sets one field across the level. With ScopeFromCurrentForward only
// sections from `from` onward are considered. Sections whose method does not
// carry the field, or that already hold the value, are left alone. It returns
// the sections that changed.
func (s *Store) ApplyToAll(level int, field Field, value float64, scope Scope, from int) ([]int, error) {
	if err := field.validate(value); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level >= len(s.table) {
		return nil, fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	start := 0
	if scope == ScopeFromCurrentForward {
		if from < 0 || from >= s.sections {
			return nil, fmt.Errorf("section %d: %w", from, ErrOutOfRange)
		}
		start = from
	}

	var changed []int
	row := s.table[level]
	for z := start; z < s.sections; z++ {
		m, ok := field.apply(row[z].swim.Method, value)
		if !ok || m == row[z].swim.Method {
			continue
		}
		sw := row[z].swim
		sw.Method = m
		row[z] = entry{swim: sw, origin: OriginUser}
		changed = append(changed, z)
	}
	return changed, nil
}

// Relink points every section at the nearest preceding non-excluded section,
// at every level. The first non-excluded section gets NoReference.
func (s *Store) Relink(excluded []bool) error {
	if len(excluded) != s.sections {
		return fmt.Errorf("exclusion mask has %d entries for %d sections", len(excluded), s.sections)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relinkLocked(excluded)
	return nil
}

func (s *Store) relinkLocked(excluded []bool) {
	for _, row := range s.table {
		ref := NoReference
		for z := range row {
			row[z].swim.Reference = ref
			if !excluded[z] {
				ref = z
			}
		}
	}
}

// Snapshot copies a level's section settings in index order.
func (s *Store) Snapshot(level int) ([]Swim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level < 0 || level >= len(s.table) {
		return nil, fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	out := make([]Swim, s.sections)
	for z, e := range s.table[level] {
		out[z] = e.swim
	}
	return out, nil
}

// Origins copies a level's section origins in index order.
func (s *Store) Origins(level int) ([]Origin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if level < 0 || level >= len(s.table) {
		return nil, fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	out := make([]Origin, s.sections)
	for z, e := range s.table[level] {
		out[z] = e.origin
	}
	return out, nil
}

// Restore loads a level's section settings as written by Snapshot, keeping
// the stored references. origins, as written by Origins, is optional: without
// it sections equal to the defaults are marked as such and the rest as loaded.
func (s *Store) Restore(level int, swims []Swim, origins []Origin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level >= len(s.table) {
		return fmt.Errorf("level %d: %w", level, ErrOutOfRange)
	}
	if len(swims) != s.sections {
		return fmt.Errorf("level %d: %d settings for %d sections", level, len(swims), s.sections)
	}
	if origins != nil && len(origins) != s.sections {
		return fmt.Errorf("level %d: %d origins for %d sections", level, len(origins), s.sections)
	}
	for z, sw := range swims {
		if sw.Method == nil {
			return fmt.Errorf("section %d: settings without a method", z)
		}
	}
	row := s.table[level]
	for z, sw := range swims {
		sw.Reference = row[z].swim.Reference
		var origin Origin
		switch {
		case origins != nil:
			origin = origins[z]
		case sw.SameParameters(s.defaults[level]):
			origin = OriginDefaults
		default:
			origin = OriginLoad
		}
		row[z] = entry{swim: sw, origin: origin}
	}
	return nil
}
