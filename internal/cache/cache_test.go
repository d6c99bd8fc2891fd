package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackalign/internal/fingerprint"
	"stackalign/internal/swim"
	"stackalign/pkg/geometry"
)

func result(tx float64) swim.Result {
	return swim.Result{
		Affine:     geometry.Translation(tx, 0),
		SNR:        []float64{10, 11, 12, 13},
		ComputedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLookupAfterInsert(t *testing.T) {
	c := New()
	fp := fingerprint.Fingerprint("00000000000000aa")
	other := fingerprint.Fingerprint("00000000000000bb")

	_, ok := c.Lookup(1, 0, fp)
	assert.False(t, ok, "empty cache is a miss")

	require.NoError(t, c.Insert(1, 0, fp, result(5)))

	got, ok := c.Lookup(1, 0, fp)
	require.True(t, ok)
	assert.Equal(t, result(5), got)

	_, ok = c.Lookup(1, 0, other)
	assert.False(t, ok, "different fingerprint is a miss")
	_, ok = c.Lookup(1, 1, fp)
	assert.False(t, ok, "different level is a miss")

	// overwrite replaces the current entry
	require.NoError(t, c.Insert(1, 0, other, result(7)))
	_, ok = c.Lookup(1, 0, fp)
	assert.False(t, ok)
	got, ok = c.Lookup(1, 0, other)
	require.True(t, ok)
	assert.Equal(t, result(7), got)

	cur, ok := c.Current(1, 0)
	require.True(t, ok)
	assert.Equal(t, other, cur)
}

func TestReturnedResultsAreDetached(t *testing.T) {
	c := New()
	fp := fingerprint.Fingerprint("00000000000000aa")
	in := result(5)
	require.NoError(t, c.Insert(2, 0, fp, in))
	in.SNR[0] = -1

	got, ok := c.Lookup(2, 0, fp)
	require.True(t, ok)
	got.SNR[1] = -1

	entries := c.Entries()
	require.Len(t, entries, 1)
	entries[0].Result.SNR[2] = -1

	again, ok := c.Lookup(2, 0, fp)
	require.True(t, ok)
	assert.Equal(t, result(5).SNR, again.SNR)
}

func TestInsertRequiresFingerprint(t *testing.T) {
	c := New()
	assert.Error(t, c.Insert(0, 0, fingerprint.None, result(1)))
	_, ok := c.Current(0, 0)
	assert.False(t, ok)
}

type failingPersister struct{ calls int }

func (f *failingPersister) Put(Entry) error {
	f.calls++
	return errors.New("disk full")
}

func TestPersisterFailureKeepsPreviousEntry(t *testing.T) {
	p := &failingPersister{}
	c := New()
	require.NoError(t, c.Insert(2, 0, "00000000000000aa", result(1)))

	c.persist = p
	err := c.Insert(2, 0, "00000000000000bb", result(2))
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)

	cur, ok := c.Current(2, 0)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Fingerprint("00000000000000aa"), cur)
}

func TestSavedTrackedSeparately(t *testing.T) {
	c := New()
	_, ok := c.Saved(0, 0)
	assert.False(t, ok)

	c.MarkSaved(0, 0, "00000000000000cc")
	fp, ok := c.Saved(0, 0)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Fingerprint("00000000000000cc"), fp)

	_, ok = c.Current(0, 0)
	assert.False(t, ok, "saving does not compute")
}

func TestEntriesAndRestore(t *testing.T) {
	c := New()
	require.NoError(t, c.Insert(3, 1, "0000000000000003", result(3)))
	require.NoError(t, c.Insert(1, 0, "0000000000000001", result(1)))
	require.NoError(t, c.Insert(2, 0, "0000000000000002", result(2)))
	c.MarkSaved(2, 0, "0000000000000002")

	entries := c.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Key{Section: 1, Level: 0}, entries[0].Key)
	assert.Equal(t, Key{Section: 2, Level: 0}, entries[1].Key)
	assert.Equal(t, Key{Section: 3, Level: 1}, entries[2].Key)

	restored := New()
	restored.Restore(entries)
	restored.RestoreSaved(c.SavedEntries())
	assert.Equal(t, entries, restored.Entries())
	fp, ok := restored.Saved(2, 0)
	require.True(t, ok)
	assert.Equal(t, fingerprint.Fingerprint("0000000000000002"), fp)
}

func TestConcurrentReadersWithWriter(t *testing.T) {
	c := New()
	fp := fingerprint.Fingerprint("00000000000000aa")

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if res, ok := c.Lookup(i%8, 0, fp); ok {
					assert.Len(t, res.SNR, 4)
				}
				c.Current(i%8, 0)
			}
		}()
	}
	for i := 0; i < 200; i++ {
		require.NoError(t, c.Insert(i%8, 0, fp, result(float64(i))))
	}
	wg.Wait()
}
