// Package propagate seeds settings between resolution levels.
package propagate

import (
	"errors"
	"fmt"

	"stackalign/internal/settings"
)

// ErrNoAlignedSource is returned by Pull when no coarser level is aligned.
var ErrNoAlignedSource = errors.New("no coarser aligned level to pull from")

// Level is what propagation needs to know about a tier; levels are indexed
// coarsest first.
type Level struct {
	Scale   int
	Aligned bool
}

// Push copies level `from` forward: every finer level that is not aligned gets
// from's defaults, and each of its sections still at seed values gets from's
// settings for that section. It returns the finer levels that were seeded.
func Push(store *settings.Store, levels []Level, from int) ([]int, error) {
	if from < 0 || from >= len(levels) {
		return nil, fmt.Errorf("level %d: %w", from, settings.ErrOutOfRange)
	}
	src, err := store.Snapshot(from)
	if err != nil {
		return nil, err
	}
	defaults, err := store.Defaults(from)
	if err != nil {
		return nil, err
	}

	var seeded []int
	for to := from + 1; to < len(levels); to++ {
		if levels[to].Aligned {
			continue
		}
		ratio := ratio(levels[from], levels[to])
		if err := store.SetDefaults(to, rescale(defaults, ratio)); err != nil {
			return seeded, err
		}
		if _, err := seed(store, to, src, ratio); err != nil {
			return seeded, err
		}
		seeded = append(seeded, to)
	}
	return seeded, nil
}

// Pull copies the nearest coarser aligned level's settings into level `to`,
// for sections still at seed values. It returns the source level and the
// sections that changed.
func Pull(store *settings.Store, levels []Level, to int) (int, []int, error) {
	if to < 0 || to >= len(levels) {
		return 0, nil, fmt.Errorf("level %d: %w", to, settings.ErrOutOfRange)
	}
	from := -1
	for l := to - 1; l >= 0; l-- {
		if levels[l].Aligned {
			from = l
			break
		}
	}
	if from < 0 {
		return 0, nil, ErrNoAlignedSource
	}

	src, err := store.Snapshot(from)
	if err != nil {
		return 0, nil, err
	}
	changed, err := seed(store, to, src, ratio(levels[from], levels[to]))
	return from, changed, err
}

// seed overwrites the sections of level `to` that have not diverged through
// user edits.
func seed(store *settings.Store, to int, src []settings.Swim, ratio float64) ([]int, error) {
	var changed []int
	for z, sw := range src {
		ok, err := seedable(store, z, to)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		if err := store.Set(z, to, rescale(sw, ratio), settings.OriginPropagation); err != nil {
			return changed, err
		}
		changed = append(changed, z)
	}
	return changed, nil
}

func seedable(store *settings.Store, z, level int) (bool, error) {
	origin, err := store.Origin(z, level)
	if err != nil {
		return false, err
	}
	if origin == settings.OriginDefaults || origin == settings.OriginPropagation {
		return true, nil
	}
	return store.IsDefault(z, level)
}

func ratio(from, to Level) float64 {
	if from.Scale <= 0 || to.Scale <= 0 {
		return 1
	}
	return float64(from.Scale) / float64(to.Scale)
}

// rescale converts pixel-valued parameters between levels.
func rescale(sw settings.Swim, ratio float64) settings.Swim {
	if ratio == 1 {
		return sw
	}
	switch m := sw.Method.(type) {
	case settings.Grid:
		m.WindowFull = scaleInt(m.WindowFull, ratio)
		m.WindowQuad = scaleInt(m.WindowQuad, ratio)
		sw.Method = m
	case settings.Manual:
		m.Window = scaleInt(m.Window, ratio)
		for i := range m.Points {
			if m.Points[i].Set {
				m.Points[i].Ref = m.Points[i].Ref.Scale(ratio)
				m.Points[i].Mov = m.Points[i].Mov.Scale(ratio)
			}
		}
		sw.Method = m
	}
	return sw
}

func scaleInt(v int, ratio float64) int {
	return int(float64(v)*ratio + 0.5)
}
