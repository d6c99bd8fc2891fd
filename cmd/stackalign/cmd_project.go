package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stackalign/internal/project"
)

var (
	initImages []string
	initLevels []int
	initName   string
	initForce  bool

	excludeSection int
	excludeInclude bool

	statusLevel int
	saveLevel   int
)

// initCmd creates a project file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a project from a list of images",
	Long: `Creates a project file over the given images, one section per image in
the order given (globs are expanded and sorted).

Example:
  stackalign init --images 'raw/*.tif' --levels 24,6,2,1`,
	RunE: runInit,
}

// statusCmd shows per-section state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dirty, saved, default and ready state per section",
	RunE:  runStatus,
}

// excludeCmd toggles a section's exclusion
var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Exclude a section from alignment (or include it again)",
	RunE:  runExclude,
}

// saveSettingsCmd marks settings as saved
var saveSettingsCmd = &cobra.Command{
	Use:   "save-settings",
	Short: "Record the current settings of a level as saved",
	RunE:  runSaveSettings,
}

func init() {
	initCmd.Flags().StringSliceVar(&initImages, "images", nil, "Image files or globs (required)")
	initCmd.Flags().IntSliceVar(&initLevels, "levels", nil, "Scale factor per level, coarsest first (default from config)")
	initCmd.Flags().StringVar(&initName, "name", "", "Project name (default: file name)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing project file")
	_ = initCmd.MarkFlagRequired("images")

	excludeCmd.Flags().IntVarP(&excludeSection, "section", "z", -1, "Section index (required)")
	excludeCmd.Flags().BoolVar(&excludeInclude, "include", false, "Include the section again")
	_ = excludeCmd.MarkFlagRequired("section")

	statusCmd.Flags().IntVarP(&statusLevel, "level", "l", 0, "Level index")
	saveSettingsCmd.Flags().IntVarP(&saveLevel, "level", "l", 0, "Level index")
}

// expandImages resolves globs; plain paths are kept even if they do not match.
func expandImages(patterns []string) ([]string, error) {
	var out []string
	for _, pat := range patterns {
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		if len(matches) == 0 {
			out = append(out, pat)
			continue
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	for i, p := range out {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out[i] = abs
	}
	return out, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(projectPath); err == nil && !initForce {
		return fmt.Errorf("%s exists (use --force to overwrite)", projectPath)
	}
	sources, err := expandImages(initImages)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no images given")
	}

	levels := initLevels
	if len(levels) == 0 {
		levels = cfg.Levels
	}
	defaults, err := cfg.Defaults.Grid.Swim()
	if err != nil {
		return fmt.Errorf("defaults.grid: %w", err)
	}
	name := initName
	if name == "" {
		base := filepath.Base(projectPath)
		name = base[:len(base)-len(filepath.Ext(base))]
	}

	p, err := project.New(sources, levels, project.Options{Name: name, Defaults: defaults, Logger: logger})
	if err != nil {
		return err
	}
	if err := p.Save(projectPath); err != nil {
		return err
	}
	logger.Info("project created",
		zap.String("path", projectPath),
		zap.Int("sections", len(sources)),
		zap.Ints("levels", levels))
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %d sections, %d levels\n", projectPath, len(sources), len(levels))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	ready, err := s.AlignmentReady(statusLevel)
	if err != nil {
		return err
	}
	aligned, err := s.LevelAligned(statusLevel)
	if err != nil {
		return err
	}
	lv := s.Levels()[statusLevel]
	fmt.Fprintf(out, "%s level %d (scale %d): alignment ready=%t aligned=%t\n", s.Name(), statusLevel, lv.Scale, ready, aligned)
	fmt.Fprintf(out, "%5s  %-8s  %4s  %-6s  %-5s  %-7s  %-5s  %-5s\n",
		"z", "state", "ref", "method", "ready", "default", "dirty", "saved")

	for _, sec := range s.Sections() {
		row, err := statusRow(s.Project, sec, statusLevel)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, row)
	}
	return nil
}

func statusRow(p *project.Project, sec project.Section, level int) (string, error) {
	z := sec.Index
	sw, err := p.Get(z, level)
	if err != nil {
		return "", err
	}
	def, err := p.IsDefault(z, level)
	if err != nil {
		return "", err
	}
	dirty, err := p.IsDirty(z, level)
	if err != nil {
		return "", err
	}
	saved, err := p.MatchesSaved(z, level)
	if err != nil {
		return "", err
	}
	state := "active"
	if sec.Excluded {
		state = "excluded"
	}
	return fmt.Sprintf("%5d  %-8s  %4d  %-6s  %-5t  %-7t  %-5t  %-5t",
		z, state, sw.Reference, sw.Method.Kind(), p.Ready(z, level) == nil, def, dirty, saved), nil
}

func runExclude(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	if err := s.SetExcluded(excludeSection, !excludeInclude); err != nil {
		s.close()
		return err
	}
	verb := "Excluded"
	if excludeInclude {
		verb = "Included"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s section %d\n", verb, excludeSection)
	return s.save()
}

func runSaveSettings(cmd *cobra.Command, args []string) error {
	s, err := openProject()
	if err != nil {
		return err
	}
	if err := s.SaveSettings(saveLevel); err != nil {
		s.close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved settings of level %d\n", saveLevel)
	return s.save()
}
