package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"stackalign/internal/cache"
	"stackalign/internal/fingerprint"
	"stackalign/internal/settings"
)

// DocumentVersion is the current project file version.
const DocumentVersion = 1

// Document is the persisted form of a project (.stackproj).
type Document struct {
	Version  int       `json:"version"`
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	Sections []SectionDoc `json:"sections"`
	Levels   []LevelDoc   `json:"levels"`

	// Results and Saved are keyed by (section, level).
	Results []cache.Entry `json:"results,omitempty"`
	Saved   []SavedDoc    `json:"saved,omitempty"`
}

// SectionDoc is one section of a document.
type SectionDoc struct {
	Source   string `json:"source"`
	Excluded bool   `json:"excluded,omitempty"`
}

// LevelDoc holds one level's defaults and per-section settings. Origins is
// parallel to Settings; files without it get origins inferred on load.
type LevelDoc struct {
	Scale    int               `json:"scale"`
	Defaults settings.Swim     `json:"defaults"`
	Settings []settings.Swim   `json:"settings"`
	Origins  []settings.Origin `json:"origins,omitempty"`
}

// SavedDoc is a saved fingerprint.
type SavedDoc struct {
	Key         cache.Key               `json:"key"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

// ToDocument snapshots the project.
func (p *Project) ToDocument() (*Document, error) {
	p.mu.RLock()
	doc := &Document{
		Version:  DocumentVersion,
		Name:     p.name,
		Created:  p.created,
		Modified: p.modified,
		Sections: make([]SectionDoc, len(p.sections)),
		Levels:   make([]LevelDoc, len(p.levels)),
	}
	for z, s := range p.sections {
		doc.Sections[z] = SectionDoc{Source: s.Source, Excluded: s.Excluded}
	}
	for l, lv := range p.levels {
		doc.Levels[l].Scale = lv.Scale
	}
	p.mu.RUnlock()

	for l := range doc.Levels {
		d, err := p.store.Defaults(l)
		if err != nil {
			return nil, err
		}
		swims, err := p.store.Snapshot(l)
		if err != nil {
			return nil, err
		}
		origins, err := p.store.Origins(l)
		if err != nil {
			return nil, err
		}
		doc.Levels[l].Defaults = d
		doc.Levels[l].Settings = swims
		doc.Levels[l].Origins = origins
	}

	doc.Results = p.cache.Entries()
	for k, fp := range p.cache.SavedEntries() {
		doc.Saved = append(doc.Saved, SavedDoc{Key: k, Fingerprint: fp})
	}
	sort.Slice(doc.Saved, func(i, j int) bool {
		a, b := doc.Saved[i].Key, doc.Saved[j].Key
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Section < b.Section
	})
	return doc, nil
}

// FromDocument rebuilds a project. opts supplies the runtime collaborators;
// its Name and Defaults are taken from the document instead.
func FromDocument(doc *Document, opts Options) (*Project, error) {
	if doc.Version < 1 || doc.Version > DocumentVersion {
		return nil, fmt.Errorf("unsupported project version %d", doc.Version)
	}
	sources := make([]string, len(doc.Sections))
	for z, s := range doc.Sections {
		sources[z] = s.Source
	}
	scales := make([]int, len(doc.Levels))
	for l, lv := range doc.Levels {
		scales[l] = lv.Scale
	}

	opts.Name = doc.Name
	p, err := New(sources, scales, opts)
	if err != nil {
		return nil, err
	}
	p.created = doc.Created
	p.modified = doc.Modified

	excluded := make([]bool, len(doc.Sections))
	for z, s := range doc.Sections {
		p.sections[z].Excluded = s.Excluded
		excluded[z] = s.Excluded
	}
	if err := p.store.Relink(excluded); err != nil {
		return nil, err
	}

	for l, lv := range doc.Levels {
		if err := p.store.SetDefaults(l, lv.Defaults); err != nil {
			return nil, fmt.Errorf("level %d defaults: %w", l, err)
		}
		if err := p.store.Restore(l, lv.Settings, lv.Origins); err != nil {
			return nil, err
		}
	}

	for _, e := range doc.Results {
		if err := p.check(e.Key.Section, e.Key.Level); err != nil {
			return nil, fmt.Errorf("result %s: %w", e.Key, err)
		}
	}
	p.cache.Restore(doc.Results)

	saved := make(map[cache.Key]fingerprint.Fingerprint, len(doc.Saved))
	for _, s := range doc.Saved {
		saved[s.Key] = s.Fingerprint
	}
	p.cache.RestoreSaved(saved)
	return p, nil
}

// Load reads a project file. Relative image paths are resolved against the
// file's directory.
func Load(path string, opts Options) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, s := range doc.Sections {
		if s.Source != "" && !filepath.IsAbs(s.Source) {
			doc.Sections[i].Source = filepath.Join(dir, s.Source)
		}
	}
	return FromDocument(&doc, opts)
}

// Save writes the project file. Image paths are stored relative to the file
// when possible.
func (p *Project) Save(path string) error {
	p.touch()
	doc, err := p.ToDocument()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	for i, s := range doc.Sections {
		if rel, err := filepath.Rel(dir, s.Source); err == nil {
			doc.Sections[i].Source = rel
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	p.Emit(EventProjectSaved, path)
	return nil
}
