package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/install"
)

// installCommand creates the install command.
func (c *CLI) installCommand() *cobra.Command {
	var (
		configPath string
		registry   string
		timeoutSec int
		attempts   int
		modulesDir string
	)

	cmd := &cobra.Command{
		Use:   "install [dir]",
		Short: "Install the dependency tree of the package in dir",
		Long:  `Install reads package.json in the given directory (default "."), resolves its transitive dependencies against the registry, and lays them out under the modules directory. Conflicting versions are nested beneath the package that requires them.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			cfg, err := loadConfig(configPath, dir)
			if err != nil {
				return err
			}
			opts := installOptions(cfg)
			if registry != "" {
				opts.Registry = registry
			}
			if timeoutSec > 0 {
				opts.Timeout = time.Duration(timeoutSec) * time.Second
			}
			if attempts > 0 {
				opts.MaxAttempts = attempts
			}
			if modulesDir != "" {
				opts.ModulesDir = modulesDir
			}
			if opts.CacheDir == "" {
				if dir, err := cacheDir(); err == nil {
					opts.CacheDir = dir
				}
			}
			opts.Progress = func(msg string) { printInfo("%s", msg) }
			opts.Logger = c.Logger

			start := time.Now()
			if err := install.New(opts).Install(cmd.Context(), dir); err != nil {
				printError("%s", errors.UserMessage(err))
				return err
			}
			printSuccess("Done in %s", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to stevedore.toml (default: <dir>/stevedore.toml)")
	cmd.Flags().StringVar(&registry, "registry", "", "primary registry URL")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "per-request timeout in seconds")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "attempt budget per fetch/download")
	cmd.Flags().StringVar(&modulesDir, "modules-dir", "", "layout directory name (default node_modules)")

	return cmd
}

func installOptions(cfg Config) install.Options {
	return install.Options{
		Registry:    cfg.Registry,
		Timeout:     cfg.Timeout(),
		MaxAttempts: cfg.MaxAttempts,
		CacheDir:    cfg.CacheDir,
		ModulesDir:  cfg.ModulesDir,
		Workers:     cfg.Workers,
	}
}
