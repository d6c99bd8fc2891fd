package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stackalign/internal/settings"
)

var (
	propagateLevel int

	applyLevel int
	applyField string
	applyValue float64
	applyFrom  int
)

// pushCmd seeds finer levels
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Seed every unaligned finer level from this level's settings",
	RunE:  runPush,
}

// pullCmd copies from the nearest aligned coarser level
var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy settings from the nearest aligned coarser level",
	RunE:  runPull,
}

// applyAllCmd sets one field across a level
var applyAllCmd = &cobra.Command{
	Use:   "apply-all",
	Short: "Set one settings field on every section of a level",
	Long: `Sets one field on every section of the level, or from --from onward.
Fields: window-full, window-quad, iterations, whitening, clobber,
clobber-size, manual-window. Clobber takes 0 or 1.

Example:
  stackalign apply-all --level 2 --field window-quad --value 256 --from 40`,
	RunE: runApplyAll,
}

func init() {
	pushCmd.Flags().IntVarP(&propagateLevel, "level", "l", 0, "Source level index")
	pullCmd.Flags().IntVarP(&propagateLevel, "level", "l", 0, "Target level index")

	applyAllCmd.Flags().IntVarP(&applyLevel, "level", "l", 0, "Level index")
	applyAllCmd.Flags().StringVar(&applyField, "field", "", "Field name (required)")
	applyAllCmd.Flags().Float64Var(&applyValue, "value", 0, "New value (required)")
	applyAllCmd.Flags().IntVar(&applyFrom, "from", 0, "Only sections from this index onward")
	_ = applyAllCmd.MarkFlagRequired("field")
	_ = applyAllCmd.MarkFlagRequired("value")
}

func runPush(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	seeded, err := s.Push(propagateLevel)
	if err != nil {
		s.close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Seeded levels %v from level %d\n", seeded, propagateLevel)
	return s.save()
}

func runPull(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	from, changed, err := s.Pull(propagateLevel)
	if err != nil {
		s.close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pulled %d sections into level %d from level %d\n", len(changed), propagateLevel, from)
	return s.save()
}

func runApplyAll(cmd *cobra.Command, args []string) error {
	field, err := settings.ParseField(applyField)
	if err != nil {
		return err
	}
	scope := settings.ScopeAll
	if cmd.Flags().Changed("from") {
		scope = settings.ScopeFromCurrentForward
	}

	s, err := openProject()
	if err != nil {
		return err
	}
	changed, err := s.ApplyToAll(applyLevel, field, applyValue, scope, applyFrom)
	if err != nil {
		s.close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s=%g on %d sections of level %d\n", field, applyValue, len(changed), applyLevel)
	return s.save()
}
