// Package cache stores alignment results keyed by settings fingerprint, one
// current entry per (section, level).
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"stackalign/internal/fingerprint"
	"stackalign/internal/swim"
)

// ErrStaleCache describes a fingerprint mismatch. Lookups never return it;
// callers use it to report why a section needs recomputing.
var ErrStaleCache = errors.New("cached result does not match current settings")

// Key addresses one cache slot.
type Key struct {
	Section int `json:"section"`
	Level   int `json:"level"`
}

func (k Key) String() string {
	return fmt.Sprintf("z%d/l%d", k.Section, k.Level)
}

// Entry is an immutable cached result together with the fingerprint of the
// settings it was computed from.
type Entry struct {
	Key         Key                     `json:"key"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Result      swim.Result             `json:"result"`
}

// Persister receives every accepted insert. A failing Put rejects the insert.
type Persister interface {
	Put(e Entry) error
}

// Cache maps (section, level) to its current Entry. Entries are replaced
// whole, never mutated, so readers may run alongside the single writer.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
	saved   map[Key]fingerprint.Fingerprint

	persist Persister
	logger  *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPersister writes every insert through to p.
func WithPersister(p Persister) Option {
	return func(c *Cache) { c.persist = p }
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*Entry),
		saved:   make(map[Key]fingerprint.Fingerprint),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached result iff one exists and was computed from fp.
func (c *Cache) Lookup(section, level int, fp fingerprint.Fingerprint) (swim.Result, bool) {
	c.mu.RLock()
	e := c.entries[Key{section, level}]
	c.mu.RUnlock()

	if e == nil || fp == fingerprint.None || e.Fingerprint != fp {
		lookups.WithLabelValues("miss").Inc()
		return swim.Result{}, false
	}
	lookups.WithLabelValues("hit").Inc()
	return cloneResult(e.Result), true
}

// cloneResult detaches the SNR slice so callers cannot write into a stored entry.
func cloneResult(r swim.Result) swim.Result {
	if r.SNR != nil {
		r.SNR = append([]float64(nil), r.SNR...)
	}
	return r
}

// Insert makes (fp, result) the current entry for the slot, replacing any
// previous one. It is the only way results enter the cache.
func (c *Cache) Insert(section, level int, fp fingerprint.Fingerprint, result swim.Result) error {
	if fp == fingerprint.None {
		return errors.New("insert without fingerprint")
	}
	e := &Entry{Key: Key{section, level}, Fingerprint: fp, Result: cloneResult(result)}
	if c.persist != nil {
		if err := c.persist.Put(*e); err != nil {
			return fmt.Errorf("persist %s: %w", e.Key, err)
		}
	}

	c.mu.Lock()
	c.entries[e.Key] = e
	c.mu.Unlock()

	c.logger.Debug("cache insert",
		zap.Int("section", section),
		zap.Int("level", level),
		zap.String("fingerprint", fp.Short()))
	return nil
}

// Current returns the fingerprint of the slot's entry.
func (c *Cache) Current(section, level int) (fingerprint.Fingerprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[Key{section, level}]
	if e == nil {
		return fingerprint.None, false
	}
	return e.Fingerprint, true
}

// MarkSaved records fp as the last explicitly saved settings for the slot.
// Saving is independent of computing.
func (c *Cache) MarkSaved(section, level int, fp fingerprint.Fingerprint) {
	c.mu.Lock()
	c.saved[Key{section, level}] = fp
	c.mu.Unlock()
}

// Saved returns the last explicitly saved fingerprint for the slot.
func (c *Cache) Saved(section, level int) (fingerprint.Fingerprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fp, ok := c.saved[Key{section, level}]
	return fp, ok
}

// Entries returns every entry ordered by level, then section.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		cp.Result = cloneResult(e.Result)
		out = append(out, cp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Level != out[j].Key.Level {
			return out[i].Key.Level < out[j].Key.Level
		}
		return out[i].Key.Section < out[j].Key.Section
	})
	return out
}

// SavedEntries returns the saved fingerprints.
func (c *Cache) SavedEntries() map[Key]fingerprint.Fingerprint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]fingerprint.Fingerprint, len(c.saved))
	for k, v := range c.saved {
		out[k] = v
	}
	return out
}

// Restore loads entries without writing them through to the persister.
func (c *Cache) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range entries {
		e := entries[i]
		e.Result = cloneResult(e.Result)
		c.entries[e.Key] = &e
	}
}

// RestoreSaved loads saved fingerprints as written by SavedEntries.
func (c *Cache) RestoreSaved(saved map[Key]fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range saved {
		c.saved[k] = v
	}
}
