// Package install orchestrates a full install run: read the manifest,
// resolve the dependency graph, link it into placements, then download,
// verify, and extract every item into the target layout.
//
// An Installer owns the run: its registry client carries the run's
// cancellation signal, and the module cache and content cache live for
// exactly one Install call. Nothing is shared across runs.
package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/stevedore-pm/stevedore/pkg/cache"
	"github.com/stevedore-pm/stevedore/pkg/integrity"
	"github.com/stevedore-pm/stevedore/pkg/linker"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
	"github.com/stevedore-pm/stevedore/pkg/registry"
	"github.com/stevedore-pm/stevedore/pkg/resolver"
)

// DefaultModulesDir is the directory name packages are laid out under.
const DefaultModulesDir = "node_modules"

// tarballStrip is the number of leading path components removed during
// extraction; registry tarballs wrap their contents in a single "package/"
// directory.
const tarballStrip = 1

// Progress receives coarse textual milestones (e.g. "No dependencies").
type Progress func(msg string)

// Options configures an Installer. Zero values get sensible defaults.
type Options struct {
	Registry    string        // primary registry URL
	Timeout     time.Duration // per-attempt request timeout
	MaxAttempts int           // attempt budget per fetch/download
	CacheDir    string        // content cache directory; default under the user cache dir
	ModulesDir  string        // layout directory name; default DefaultModulesDir
	Workers     int           // concurrent downloads; default 8
	Progress    Progress
	Logger      *log.Logger
}

// Installer runs installs. One Installer may serve many Install calls; each
// call owns its own caches and cancellation.
type Installer struct {
	opts Options
}

// New creates an Installer with defaults applied.
func New(opts Options) *Installer {
	if opts.ModulesDir == "" {
		opts.ModulesDir = DefaultModulesDir
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Progress == nil {
		opts.Progress = func(string) {}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Installer{opts: opts}
}

// Install resolves and lays out the dependency tree of the package in dir.
// The manifest's dependencies are read in declaration order; an empty
// dependency set reports "No dependencies" and returns without further work.
// A failure anywhere aborts the whole call; directories already extracted by
// the failed run are not rolled back.
func (ins *Installer) Install(ctx context.Context, dir string) error {
	reqs, err := manifest.Read(dir)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		ins.opts.Progress("No dependencies")
		return nil
	}

	cacheDir, err := ins.cacheDir()
	if err != nil {
		return err
	}
	content, err := cache.NewContent(cacheDir)
	if err != nil {
		return err
	}

	client := registry.NewClient(registry.Options{
		Registry:    ins.opts.Registry,
		Timeout:     ins.opts.Timeout,
		MaxAttempts: ins.opts.MaxAttempts,
		Cache:       content,
		Logger:      ins.opts.Logger,
	})
	defer client.Cancel()

	ins.opts.Progress("Resolving dependencies")
	modules, edges, err := resolver.Resolve(ctx, client, reqs, ins.opts.Logger)
	if err != nil {
		return err
	}
	ins.opts.Logger.Debug("resolution complete", "modules", modules.Len(), "edges", len(edges))

	items, err := linker.Link(reqs, edges, modules)
	if err != nil {
		return err
	}

	ins.opts.Progress(fmt.Sprintf("Installing %d packages", len(items)))
	root := filepath.Join(dir, ins.opts.ModulesDir)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ins.opts.Workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return ins.fetchAndExtract(gctx, client, item, root)
		})
	}
	if err := g.Wait(); err != nil {
		client.Cancel()
		return err
	}

	ins.opts.Progress(fmt.Sprintf("Installed %d packages", len(items)))
	return nil
}

func (ins *Installer) fetchAndExtract(ctx context.Context, client *registry.Client, item *linker.DependencyItem, root string) error {
	archive, err := client.Download(ctx, item.Resolved, tarballName(item), item.Shasum, ins.opts.MaxAttempts)
	if err != nil {
		return err
	}

	dest := item.InstallPath(root, ins.opts.ModulesDir)
	ins.opts.Logger.Debug("extracting", "package", item.Key(), "dest", dest)
	return integrity.Extract(dest, archive, tarballStrip)
}

// tarballName keys the content cache by name and version so a tarball
// downloaded once is reused by later runs and by duplicate edges within one
// run. Scope separators are flattened for the filesystem.
func tarballName(item *linker.DependencyItem) string {
	name := strings.ReplaceAll(item.Name, "/", "_")
	return name + "-" + item.Version + ".tgz"
}

func (ins *Installer) cacheDir() (string, error) {
	if ins.opts.CacheDir != "" {
		return ins.opts.CacheDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "stevedore", "tarballs"), nil
}
