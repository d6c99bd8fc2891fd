package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stackalign/internal/settings"
	"stackalign/pkg/geometry"
)

var (
	editLevel   int
	editSection int

	setMethod     string
	setQuadrants  string
	setPoints     []string
	setClear      []int
	setWindow     int
	setWindowFull int
	setWindowQuad int
	setNote       string
)

// setCmd edits one section's settings
var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Edit one section's settings at a level",
	Long: `Edits the settings of one section. Unspecified parameters keep their
current values. Switching method starts from the level's defaults (grid) or an
empty point set (manual).

Points are given as slot:refX,refY,movX,movY with slot 0, 1 or 2.

Examples:
  stackalign set -l 0 -z 12 --quadrants TL,TR,BR
  stackalign set -l 1 -z 40 --method manual --window 128 \
      --point 0:120,80,124,83 --point 1:900,95,903,97 --point 2:500,700,498,704`,
	RunE: runSet,
}

// defaultsCmd resets a section to its level's defaults
var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Reset one section to its level's default settings",
	RunE:  runDefaults,
}

func init() {
	for _, c := range []*cobra.Command{setCmd, defaultsCmd} {
		c.Flags().IntVarP(&editLevel, "level", "l", 0, "Level index")
		c.Flags().IntVarP(&editSection, "section", "z", -1, "Section index (required)")
		_ = c.MarkFlagRequired("section")
	}

	setCmd.Flags().StringVar(&setMethod, "method", "", "Correlation method: grid or manual")
	setCmd.Flags().StringVar(&setQuadrants, "quadrants", "", "Active grid quadrants, e.g. TL,TR,BL")
	setCmd.Flags().StringArrayVar(&setPoints, "point", nil, "Manual point pair slot:refX,refY,movX,movY (repeatable)")
	setCmd.Flags().IntSliceVar(&setClear, "clear-point", nil, "Empty manual point slots")
	setCmd.Flags().IntVar(&setWindow, "window", 0, "Manual window size")
	setCmd.Flags().IntVar(&setWindowFull, "window-full", 0, "Grid whole-image window size")
	setCmd.Flags().IntVar(&setWindowQuad, "window-quad", 0, "Grid quadrant window size")
	setCmd.Flags().StringVar(&setNote, "note", "", "Free-form note")
}

// resetSetFlags clears the edit values so repeated runs in one process start clean.
func resetSetFlags() {
	setMethod, setQuadrants, setNote = "", "", ""
	setPoints, setClear = nil, nil
	setWindow, setWindowFull, setWindowQuad = 0, 0, 0
}

// parsePoint reads slot:refX,refY,movX,movY.
func parsePoint(s string) (int, geometry.Point2D, geometry.Point2D, error) {
	slotText, coords, ok := strings.Cut(s, ":")
	if !ok {
		return 0, geometry.Point2D{}, geometry.Point2D{}, fmt.Errorf("point %q: want slot:refX,refY,movX,movY", s)
	}
	slot, err := strconv.Atoi(slotText)
	if err != nil || slot < 0 || slot >= settings.MinConstraints {
		return 0, geometry.Point2D{}, geometry.Point2D{}, fmt.Errorf("point %q: slot must be 0, 1 or 2", s)
	}
	parts := strings.Split(coords, ",")
	if len(parts) != 4 {
		return 0, geometry.Point2D{}, geometry.Point2D{}, fmt.Errorf("point %q: want 4 coordinates", s)
	}
	var v [4]float64
	for i, part := range parts {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, geometry.Point2D{}, geometry.Point2D{}, fmt.Errorf("point %q: %w", s, err)
		}
	}
	return slot, geometry.NewPoint2D(v[0], v[1]), geometry.NewPoint2D(v[2], v[3]), nil
}

func checkWindow(name string, v int) error {
	if v < settings.MinWindow {
		return fmt.Errorf("--%s %d is below %d", name, v, settings.MinWindow)
	}
	return nil
}

// editGrid applies the grid flags.
func editGrid(g settings.Grid) (settings.Grid, error) {
	if len(setPoints) > 0 || len(setClear) > 0 || setWindow != 0 {
		return g, errors.New("--point, --clear-point and --window apply to the manual method")
	}
	if setQuadrants != "" {
		qs, err := settings.ParseQuadrants(strings.Split(setQuadrants, ","))
		if err != nil {
			return g, err
		}
		g.Quadrants = qs
	}
	if setWindowFull != 0 {
		if err := checkWindow("window-full", setWindowFull); err != nil {
			return g, err
		}
		g.WindowFull = setWindowFull
	}
	if setWindowQuad != 0 {
		if err := checkWindow("window-quad", setWindowQuad); err != nil {
			return g, err
		}
		g.WindowQuad = setWindowQuad
	}
	return g, nil
}

// editManual applies the manual flags.
func editManual(m settings.Manual) (settings.Manual, error) {
	if setQuadrants != "" || setWindowFull != 0 || setWindowQuad != 0 {
		return m, errors.New("--quadrants, --window-full and --window-quad apply to the grid method")
	}
	if setWindow != 0 {
		if err := checkWindow("window", setWindow); err != nil {
			return m, err
		}
		m.Window = setWindow
	}
	for _, slot := range setClear {
		if slot < 0 || slot >= settings.MinConstraints {
			return m, fmt.Errorf("--clear-point %d: slot must be 0, 1 or 2", slot)
		}
		m = m.ClearPoint(slot)
	}
	for _, text := range setPoints {
		slot, ref, mov, err := parsePoint(text)
		if err != nil {
			return m, err
		}
		m = m.SetPoint(slot, ref, mov)
	}
	return m, nil
}

// switchMethod returns fresh parameters of the requested kind, or cur when it
// already has that kind.
func switchMethod(cur settings.Swim, defaults settings.Swim, kind settings.MethodKind) settings.Method {
	if cur.Method.Kind() == kind {
		return cur.Method
	}
	switch kind {
	case settings.MethodManual:
		m := settings.Manual{Window: settings.DefaultGrid().WindowQuad}
		if g, ok := cur.Method.(settings.Grid); ok {
			m.Window = g.WindowQuad
		}
		return m
	default:
		if g, ok := defaults.Method.(settings.Grid); ok {
			return g
		}
		return settings.DefaultGrid()
	}
}

func runSet(cmd *cobra.Command, args []string) error {
	defer resetSetFlags()

	s, err := openProject()
	if err != nil {
		return err
	}
	sw, err := s.Get(editSection, editLevel)
	if err != nil {
		s.close()
		return err
	}

	if setMethod != "" {
		kind, err := settings.ParseMethodKind(setMethod)
		if err != nil {
			s.close()
			return err
		}
		defaults, err := s.Defaults(editLevel)
		if err != nil {
			s.close()
			return err
		}
		sw.Method = switchMethod(sw, defaults, kind)
	}

	switch m := sw.Method.(type) {
	case settings.Grid:
		var g settings.Grid
		g, err = editGrid(m)
		sw.Method = g
	case settings.Manual:
		var mm settings.Manual
		mm, err = editManual(m)
		sw.Method = mm
	}
	if err != nil {
		s.close()
		return err
	}
	if setNote != "" {
		sw.Note = setNote
	}

	if err := s.Set(editSection, editLevel, sw); err != nil {
		s.close()
		return err
	}
	state := "ready"
	if err := s.Ready(editSection, editLevel); err != nil {
		state = "not ready: " + err.Error()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set section %d level %d to %s (%s)\n",
		editSection, editLevel, sw.Method.Kind(), state)
	return s.save()
}

func runDefaults(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	if err := s.ApplyDefaults(editSection, editLevel); err != nil {
		s.close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset section %d level %d to defaults\n", editSection, editLevel)
	return s.save()
}
