// Command stackalign aligns an image stack across resolution levels.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"stackalign/internal/config"
	"stackalign/internal/project"
	"stackalign/internal/resultdb"
	"stackalign/internal/swim"
	"stackalign/internal/swim/cvswim"
	"stackalign/internal/version"
)

var (
	// Global flags
	verbose     bool
	projectPath string
	configPath  string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "stackalign",
	Short: "Multi-resolution alignment of image stacks",
	Long: `stackalign computes pairwise affine transforms between consecutive
sections of an image stack, caches them by settings fingerprint and composes
them into one frame per resolution level.`,
	Version:      fmt.Sprintf("%s, project format v%d", version.String(), project.DocumentVersion),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		if verbose || cfg.Log.Verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", "stack.stackproj", "Project file")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "stackalign.yaml", "Configuration file (defaults apply when absent)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(alignCmd)
	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(excludeCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(applyAllCmd)
	rootCmd.AddCommand(saveSettingsCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(defaultsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is an open project plus the resources it holds.
type session struct {
	*project.Project
	db *resultdb.DB
}

// newCorrelator picks the correlation backend by name.
func newCorrelator(name string) (swim.Correlator, error) {
	switch name {
	case "", "cv":
		return cvswim.New(logger.Named("cvswim")), nil
	case "points":
		return swim.PointCorrelator{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want cv or points)", name)
	}
}

// openProject loads the project file and, when a cache directory is
// configured, the persisted results.
func openProject() (*session, error) {
	backend, err := newCorrelator(alignBackend)
	if err != nil {
		return nil, err
	}
	opts := project.Options{
		Correlator: backend,
		Workers:    cfg.Workers,
		Logger:     logger,
	}

	s := &session{}
	if cfg.Cache.Dir != "" {
		dbCfg := resultdb.DefaultConfig(cfg.Cache.Dir)
		dbCfg.SyncWrites = cfg.Cache.SyncWrites
		dbCfg.Logger = logger.Named("resultdb")
		db, err := resultdb.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		opts.Persister = db
	}

	p, err := project.Load(projectPath, opts)
	if err != nil {
		s.close()
		return nil, err
	}
	s.Project = p

	if s.db != nil {
		entries, err := s.db.Load()
		if err != nil {
			s.close()
			return nil, err
		}
		p.RestoreResults(entries)
	}
	return s, nil
}

// save writes the project file back and releases the session.
func (s *session) save() error {
	err := s.Save(projectPath)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

func (s *session) close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
