// Package project ties the settings store, result cache, worker pool and
// composer together for one image stack.
package project

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stackalign/internal/cache"
	"stackalign/internal/compose"
	"stackalign/internal/fingerprint"
	"stackalign/internal/propagate"
	"stackalign/internal/settings"
	"stackalign/internal/swim"
	"stackalign/internal/worker"
	"stackalign/pkg/geometry"
)

var (
	// ErrNoSuchSection is returned for a section index outside the stack.
	ErrNoSuchSection = errors.New("no such section")
	// ErrNoSuchLevel is returned for a level index outside the project.
	ErrNoSuchLevel = errors.New("no such level")
)

// Section is one image of the stack.
type Section struct {
	Index    int
	Source   string
	Excluded bool
}

// Level is one resolution tier. Levels are ordered coarsest first.
type Level struct {
	Scale int
}

// Options configures a project.
type Options struct {
	Name string
	// Defaults seeds every level; a zero value uses settings.Default().
	Defaults   settings.Swim
	Correlator swim.Correlator
	Workers    worker.Config
	Persister  cache.Persister
	Logger     *zap.Logger
}

// Project is the alignment context for one stack. All writes to settings,
// exclusions and results go through wmu; reads may run alongside.
type Project struct {
	mu       sync.RWMutex
	name     string
	created  time.Time
	modified time.Time
	sections []Section
	levels   []Level

	wmu   sync.Mutex
	store *settings.Store
	cache *cache.Cache
	pool  *worker.Pool

	logger    *zap.Logger
	listeners map[EventType][]EventListener
}

// New creates a project over the given image sources with one level per
// scale. Scales must be positive and strictly decreasing.
func New(sources []string, scales []int, opts Options) (*Project, error) {
	if len(scales) == 0 {
		return nil, errors.New("project needs at least one level")
	}
	for l, s := range scales {
		if s < 1 {
			return nil, fmt.Errorf("level %d: scale %d", l, s)
		}
		if l > 0 && s >= scales[l-1] {
			return nil, fmt.Errorf("level %d: scale %d is not finer than %d", l, s, scales[l-1])
		}
	}

	defaults := opts.Defaults
	if defaults.Method == nil {
		defaults = settings.Default()
	}
	perLevel := make([]settings.Swim, len(scales))
	levels := make([]Level, len(scales))
	for l, s := range scales {
		perLevel[l] = defaults
		levels[l] = Level{Scale: s}
	}
	sections := make([]Section, len(sources))
	for z, src := range sources {
		sections[z] = Section{Index: z, Source: src}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheOpts := []cache.Option{cache.WithLogger(logger.Named("cache"))}
	if opts.Persister != nil {
		cacheOpts = append(cacheOpts, cache.WithPersister(opts.Persister))
	}

	now := time.Now()
	p := &Project{
		name:      opts.Name,
		created:   now,
		modified:  now,
		sections:  sections,
		levels:    levels,
		store:     settings.NewStore(len(sources), perLevel),
		cache:     cache.New(cacheOpts...),
		logger:    logger,
		listeners: make(map[EventType][]EventListener),
	}
	if opts.Correlator != nil {
		p.pool = worker.New(opts.Correlator, opts.Workers, logger.Named("worker"))
	}
	return p, nil
}

// Name returns the project name.
func (p *Project) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Sections returns a copy of the stack's sections.
func (p *Project) Sections() []Section {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Section(nil), p.sections...)
}

// Levels returns a copy of the project's levels.
func (p *Project) Levels() []Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Level(nil), p.levels...)
}

func (p *Project) checkLevel(level int) error {
	if level < 0 || level >= len(p.levels) {
		return fmt.Errorf("level %d: %w", level, ErrNoSuchLevel)
	}
	return nil
}

func (p *Project) check(z, level int) error {
	if err := p.checkLevel(level); err != nil {
		return err
	}
	if z < 0 || z >= len(p.sections) {
		return fmt.Errorf("section %d: %w", z, ErrNoSuchSection)
	}
	return nil
}

func (p *Project) touch() {
	p.mu.Lock()
	p.modified = time.Now()
	p.mu.Unlock()
}

// Get returns the section's current settings.
func (p *Project) Get(z, level int) (settings.Swim, error) {
	if err := p.check(z, level); err != nil {
		return settings.Swim{}, err
	}
	return p.store.Get(z, level)
}

// Set replaces the section's settings as a user edit.
func (p *Project) Set(z, level int, sw settings.Swim) error {
	if err := p.check(z, level); err != nil {
		return err
	}
	p.wmu.Lock()
	err := p.store.Set(z, level, sw, settings.OriginUser)
	p.wmu.Unlock()
	if err != nil {
		return err
	}
	p.touch()
	p.Emit(EventSettingsChanged, []int{z})
	return nil
}

// ApplyDefaults resets the section to its level's defaults.
func (p *Project) ApplyDefaults(z, level int) error {
	if err := p.check(z, level); err != nil {
		return err
	}
	p.wmu.Lock()
	err := p.store.ApplyDefaults(z, level)
	p.wmu.Unlock()
	if err != nil {
		return err
	}
	p.touch()
	p.Emit(EventSettingsChanged, []int{z})
	return nil
}

// ApplyToAll sets one field across the level and returns the sections that changed.
func (p *Project) ApplyToAll(level int, field settings.Field, value float64, scope settings.Scope, from int) ([]int, error) {
	if err := p.checkLevel(level); err != nil {
		return nil, err
	}
	p.wmu.Lock()
	changed, err := p.store.ApplyToAll(level, field, value, scope, from)
	p.wmu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		p.touch()
		p.Emit(EventSettingsChanged, changed)
	}
	return changed, nil
}

// Defaults returns the level's baseline settings.
func (p *Project) Defaults(level int) (settings.Swim, error) {
	if err := p.checkLevel(level); err != nil {
		return settings.Swim{}, err
	}
	return p.store.Defaults(level)
}

// IsDefault reports whether the section's parameters equal its level's defaults.
func (p *Project) IsDefault(z, level int) (bool, error) {
	if err := p.check(z, level); err != nil {
		return false, err
	}
	return p.store.IsDefault(z, level)
}

// Ready returns an error wrapping settings.ErrInsufficientCorrespondence when
// the section cannot be aligned with its current settings.
func (p *Project) Ready(z, level int) error {
	if err := p.check(z, level); err != nil {
		return err
	}
	return p.store.Ready(z, level)
}

func (p *Project) currentFingerprint(z, level int) (fingerprint.Fingerprint, error) {
	sw, err := p.Get(z, level)
	if err != nil {
		return fingerprint.None, err
	}
	return fingerprint.Of(sw), nil
}

// IsDirty reports whether the section's current settings differ from those
// of its cached result, or it has none.
func (p *Project) IsDirty(z, level int) (bool, error) {
	fp, err := p.currentFingerprint(z, level)
	if err != nil {
		return false, err
	}
	cur, ok := p.cache.Current(z, level)
	return !ok || cur != fp, nil
}

// MatchesSaved reports whether the section's current settings are the ones
// last saved with SaveSettings.
func (p *Project) MatchesSaved(z, level int) (bool, error) {
	fp, err := p.currentFingerprint(z, level)
	if err != nil {
		return false, err
	}
	saved, ok := p.cache.Saved(z, level)
	return ok && saved == fp, nil
}

// SaveSettings records the current settings of every section of the level as saved.
func (p *Project) SaveSettings(level int) error {
	if err := p.checkLevel(level); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	for z := range p.sections {
		fp, err := p.currentFingerprint(z, level)
		if err != nil {
			return err
		}
		p.cache.MarkSaved(z, level, fp)
	}
	return nil
}

// SetExcluded changes a section's exclusion and relinks references at every
// level. Sections whose reference moved become dirty.
func (p *Project) SetExcluded(z int, excluded bool) error {
	if err := p.check(z, 0); err != nil {
		return err
	}
	p.wmu.Lock()
	p.mu.Lock()
	if p.sections[z].Excluded == excluded {
		p.mu.Unlock()
		p.wmu.Unlock()
		return nil
	}
	p.sections[z].Excluded = excluded
	p.modified = time.Now()
	mask := p.excludedLocked()
	p.mu.Unlock()
	err := p.store.Relink(mask)
	p.wmu.Unlock()
	if err != nil {
		return err
	}

	p.logger.Info("exclusion changed", zap.Int("section", z), zap.Bool("excluded", excluded))
	p.Emit(EventExclusionChanged, z)
	return nil
}

// Excluded returns the exclusion mask in section order.
func (p *Project) Excluded() []bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.excludedLocked()
}

func (p *Project) excludedLocked() []bool {
	mask := make([]bool, len(p.sections))
	for z, s := range p.sections {
		mask[z] = s.Excluded
	}
	return mask
}

// LevelAligned reports whether every non-excluded section with a reference
// has a current result at the level.
func (p *Project) LevelAligned(level int) (bool, error) {
	if err := p.checkLevel(level); err != nil {
		return false, err
	}
	excluded := p.Excluded()
	found := false
	for z, ex := range excluded {
		if ex {
			continue
		}
		found = true
		sw, err := p.store.Get(z, level)
		if err != nil {
			return false, err
		}
		if sw.Reference == settings.NoReference {
			continue
		}
		dirty, err := p.IsDirty(z, level)
		if err != nil {
			return false, err
		}
		if dirty {
			return false, nil
		}
	}
	return found, nil
}

// AlignmentReady reports whether the level may be aligned: it is the coarsest
// level or its coarser neighbour is aligned.
func (p *Project) AlignmentReady(level int) (bool, error) {
	if err := p.checkLevel(level); err != nil {
		return false, err
	}
	if level == 0 {
		return true, nil
	}
	return p.LevelAligned(level - 1)
}

func (p *Project) propagationLevels() ([]propagate.Level, error) {
	levels := p.Levels()
	out := make([]propagate.Level, len(levels))
	for l, lv := range levels {
		aligned, err := p.LevelAligned(l)
		if err != nil {
			return nil, err
		}
		out[l] = propagate.Level{Scale: lv.Scale, Aligned: aligned}
	}
	return out, nil
}

// Push seeds every unaligned finer level from the level's settings and
// returns the levels that were seeded.
func (p *Project) Push(level int) ([]int, error) {
	if err := p.checkLevel(level); err != nil {
		return nil, err
	}
	p.wmu.Lock()
	seeded, err := p.push(level)
	p.wmu.Unlock()
	if err != nil {
		return nil, err
	}
	p.logger.Info("settings pushed", zap.Int("level", level), zap.Ints("seeded", seeded))
	p.touch()
	p.Emit(EventPropagated, seeded)
	return seeded, nil
}

func (p *Project) push(level int) ([]int, error) {
	levels, err := p.propagationLevels()
	if err != nil {
		return nil, err
	}
	return propagate.Push(p.store, levels, level)
}

// Pull copies the nearest coarser aligned level's settings into the level.
// It returns the source level and the sections that changed.
func (p *Project) Pull(level int) (int, []int, error) {
	if err := p.checkLevel(level); err != nil {
		return 0, nil, err
	}
	p.wmu.Lock()
	from, changed, err := p.pull(level)
	p.wmu.Unlock()
	if err != nil {
		return 0, nil, err
	}
	p.logger.Info("settings pulled",
		zap.Int("level", level),
		zap.Int("from", from),
		zap.Int("sections", len(changed)))
	p.touch()
	p.Emit(EventSettingsChanged, changed)
	return from, changed, nil
}

func (p *Project) pull(level int) (int, []int, error) {
	levels, err := p.propagationLevels()
	if err != nil {
		return 0, nil, err
	}
	return propagate.Pull(p.store, levels, level)
}

// Compose chains the level's current results into cumulative transforms.
// biasOrder is compose.NoBias or a polynomial order.
func (p *Project) Compose(level, biasOrder int) (*compose.Frame, error) {
	if err := p.checkLevel(level); err != nil {
		return nil, err
	}
	frame, err := compose.Compose(p.Excluded(), p.pairwise(level), compose.Options{BiasOrder: biasOrder})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("level composed",
		zap.Int("level", level),
		zap.Int("anchor", frame.Anchor),
		zap.Ints("unaligned", frame.Unaligned()))
	return frame, nil
}

// pairwise looks up a section's result for its current settings and reference.
func (p *Project) pairwise(level int) compose.PairwiseFunc {
	return func(z, ref int) (geometry.AffineTransform, error) {
		sw, err := p.store.Get(z, level)
		if err != nil {
			return geometry.AffineTransform{}, err
		}
		if sw.Reference != ref {
			return geometry.AffineTransform{}, fmt.Errorf("section %d references %d, not %d: %w", z, sw.Reference, ref, compose.ErrStaleResult)
		}
		res, ok := p.cache.Lookup(z, level, fingerprint.Of(sw))
		if !ok {
			return geometry.AffineTransform{}, fmt.Errorf("section %d: %w: %w", z, compose.ErrStaleResult, cache.ErrStaleCache)
		}
		return res.Affine, nil
	}
}

// RestoreResults loads previously persisted results into the cache.
func (p *Project) RestoreResults(entries []cache.Entry) {
	p.wmu.Lock()
	p.cache.Restore(entries)
	p.wmu.Unlock()
}

// Results returns every cached result ordered by level, then section.
func (p *Project) Results() []cache.Entry {
	return p.cache.Entries()
}
