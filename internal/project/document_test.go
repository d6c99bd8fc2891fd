package project

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackalign/internal/compose"
	"stackalign/internal/settings"
	"stackalign/pkg/geometry"
)

func populated(t *testing.T, dir string) *Project {
	t.Helper()
	sources := []string{
		filepath.Join(dir, "img", "s000.tif"),
		filepath.Join(dir, "img", "s001.tif"),
		filepath.Join(dir, "img", "s002.tif"),
		filepath.Join(dir, "img", "s003.tif"),
	}
	p, err := New(sources, []int{4, 1}, Options{Name: "round trip", Correlator: newFake()})
	require.NoError(t, err)

	m := settings.Manual{Window: 96}
	m = m.SetPoint(0, geometry.NewPoint2D(1, 2), geometry.NewPoint2D(3, 4))
	m = m.SetPoint(2, geometry.NewPoint2D(5, 6), geometry.NewPoint2D(7, 8))
	require.NoError(t, p.Set(3, 0, settings.Swim{Method: m, Note: "needs a third point"}))
	require.NoError(t, p.SetExcluded(1, true))

	_, err = p.Align(context.Background(), 0, 0, 3)
	require.NoError(t, err)
	require.NoError(t, p.SaveSettings(0))
	return p
}

func TestDocumentRoundTrip(t *testing.T) {
	p := populated(t, t.TempDir())
	doc, err := p.ToDocument()
	require.NoError(t, err)
	assert.Len(t, doc.Results, 1)
	assert.Len(t, doc.Saved, 4)

	q, err := FromDocument(doc, Options{Correlator: newFake()})
	require.NoError(t, err)
	again, err := q.ToDocument()
	require.NoError(t, err)
	if diff := cmp.Diff(doc, again); diff != "" {
		t.Errorf("document changed across round trip (-want +got):\n%s", diff)
	}
	assert.Equal(t, settings.OriginUser, again.Levels[0].Origins[3])
	assert.Equal(t, settings.OriginDefaults, again.Levels[1].Origins[3])

	for z := 0; z < 4; z++ {
		for l := 0; l < 2; l++ {
			d1, err := p.IsDirty(z, l)
			require.NoError(t, err)
			d2, err := q.IsDirty(z, l)
			require.NoError(t, err)
			assert.Equal(t, d1, d2, "section %d level %d", z, l)

			s1, err := p.MatchesSaved(z, l)
			require.NoError(t, err)
			s2, err := q.MatchesSaved(z, l)
			require.NoError(t, err)
			assert.Equal(t, s1, s2, "section %d level %d", z, l)
		}
	}
}

func iterations(t *testing.T, p *Project, z, level int) int {
	t.Helper()
	sw, err := p.Get(z, level)
	require.NoError(t, err)
	return sw.Method.(settings.Grid).Iterations
}

func TestPropagatedOriginSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	sources := []string{filepath.Join(dir, "a.tif"), filepath.Join(dir, "b.tif"), filepath.Join(dir, "c.tif")}
	p, err := New(sources, []int{4, 1}, Options{Name: "origins"})
	require.NoError(t, err)

	g := settings.DefaultGrid()
	g.Iterations = 5
	require.NoError(t, p.Set(2, 0, settings.Swim{Method: g}))
	_, err = p.Push(0)
	require.NoError(t, err)
	require.Equal(t, 5, iterations(t, p, 2, 1))

	path := filepath.Join(dir, "stack.stackproj")
	require.NoError(t, p.Save(path))
	q, err := Load(path, Options{})
	require.NoError(t, err)

	want, err := p.store.Origins(1)
	require.NoError(t, err)
	got, err := q.store.Origins(1)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, settings.OriginPropagation, got[2])

	// a later push still reseeds the section nobody edited at the finer level
	g.Iterations = 9
	require.NoError(t, q.Set(2, 0, settings.Swim{Method: g}))
	_, err = q.Push(0)
	require.NoError(t, err)
	assert.Equal(t, 9, iterations(t, q, 2, 1))
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	p := populated(t, dir)
	path := filepath.Join(dir, "stack.stackproj")

	saved := make(chan string, 1)
	p.On(EventProjectSaved, func(data interface{}) { saved <- data.(string) })
	require.NoError(t, p.Save(path))
	assert.Equal(t, path, <-saved)

	var raw Document
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, filepath.Join("img", "s002.tif"), raw.Sections[2].Source)

	q, err := Load(path, Options{Correlator: newFake()})
	require.NoError(t, err)
	want, err := p.ToDocument()
	require.NoError(t, err)
	got, err := q.ToDocument()
	require.NoError(t, err)

	opts := cmp.Options{
		cmpopts.IgnoreFields(Document{}, "Modified"),
		cmpopts.EquateApproxTime(0),
	}
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("loaded project differs (-want +got):\n%s", diff)
	}

	f1, err := p.Compose(0, compose.NoBias)
	require.NoError(t, err)
	f2, err := q.Compose(0, compose.NoBias)
	require.NoError(t, err)
	assert.Equal(t, f1.Unaligned(), f2.Unaligned())
	a1, ok1 := f1.Affine(2)
	a2, ok2 := f2.Affine(2)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, a1, a2)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.stackproj")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "levels": [{"scale": 1}]}`), 0644))
	_, err := Load(path, Options{})
	assert.Error(t, err)
}
