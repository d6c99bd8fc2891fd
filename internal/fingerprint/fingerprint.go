// Package fingerprint computes canonical digests of SWIM settings, used as result cache keys.
package fingerprint

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"

	"stackalign/internal/settings"
)

// Fingerprint is a stable digest of a settings value. The zero value means "none".
type Fingerprint string

// None is the empty fingerprint.
const None Fingerprint = ""

// Short returns the first 8 hex digits for log output.
func (f Fingerprint) Short() string {
	if len(f) > 8 {
		return string(f[:8])
	}
	return string(f)
}

// canonical is the hashed form of a Swim value. Only fields that change the
// correlation outcome take part; the note is carried for completeness but ignored.
type canonical struct {
	Reference int
	Method    string
	Grid      *gridForm
	Manual    *manualForm
	Note      string `hash:"ignore"`
}

type gridForm struct {
	WindowFull  int
	WindowQuad  int
	Iterations  int
	Whitening   float64
	Clobber     bool
	ClobberSize int
	Quadrants   []int `hash:"set"`
}

// Manual slots are ordered: slot i always refers to the same image region.
type manualForm struct {
	Window int
	Slots  []slotForm
}

type slotForm struct {
	Slot                   int
	RefX, RefY, MovX, MovY float64
}

// Of returns the fingerprint of s. Equal logical content gives equal
// fingerprints regardless of quadrant iteration order.
func Of(s settings.Swim) Fingerprint {
	c := canonical{Reference: s.Reference, Note: s.Note}
	switch m := s.Method.(type) {
	case settings.Grid:
		c.Method = settings.MethodGrid.String()
		g := &gridForm{
			WindowFull:  m.WindowFull,
			WindowQuad:  m.WindowQuad,
			Iterations:  m.Iterations,
			Whitening:   normZero(m.Whitening),
			Clobber:     m.Clobber,
			ClobberSize: m.ClobberSize,
		}
		for _, q := range m.Quadrants.Quadrants() {
			g.Quadrants = append(g.Quadrants, int(q))
		}
		c.Grid = g
	case settings.Manual:
		c.Method = settings.MethodManual.String()
		mf := &manualForm{Window: m.Window}
		for i, p := range m.Points {
			if !p.Set {
				continue
			}
			mf.Slots = append(mf.Slots, slotForm{
				Slot: i,
				RefX: normZero(p.Ref.X), RefY: normZero(p.Ref.Y),
				MovX: normZero(p.Mov.X), MovY: normZero(p.Mov.Y),
			})
		}
		c.Manual = mf
	default:
		c.Method = "none"
	}

	h, err := hashstructure.Hash(c, hashstructure.FormatV2, nil)
	if err != nil {
		// canonical contains only hashable kinds
		panic(fmt.Sprintf("fingerprint: %v", err))
	}
	return Fingerprint(fmt.Sprintf("%016x", h))
}

// normZero folds -0 into 0 so both hash alike.
func normZero(v float64) float64 {
	if v == 0 {
		return 0
	}
	return v
}
