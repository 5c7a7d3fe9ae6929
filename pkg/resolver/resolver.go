// Package resolver turns a root set of name → version-range requirements
// into an ordered log of concrete resolution decisions.
//
// The traversal is pre-order depth-first with edges visited in requirement
// declaration order, and that order is a contract: the linker's hoisting
// gives the first recorded edge for a name first claim on the root slot.
// Network fetches still run concurrently — sibling metadata is prefetched
// through a singleflight group — but the log is produced by the sequential
// walk itself, so it is deterministic regardless of fetch completion order.
package resolver

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
	"github.com/stevedore-pm/stevedore/pkg/registry"
)

// MetadataFetcher retrieves normalized package metadata by name.
// *registry.Client implements it.
type MetadataFetcher interface {
	FetchModuleInfo(ctx context.Context, name string) (*registry.ModuleInfo, error)
}

// ResolvedEdge is one concrete resolution decision: this requirement range on
// this package name resolved to this version. The same name+version may
// appear on multiple edges with different parents; duplicates are retained.
type ResolvedEdge struct {
	Name        string
	Requirement string
	Version     string
}

// ModuleCache memoizes module metadata per package name for the lifetime of
// one install run. Concurrent requests for the same uncached name collapse
// into a single fetch. Only successful fetches are cached.
type ModuleCache struct {
	group singleflight.Group

	mu   sync.RWMutex
	mods map[string]*registry.ModuleInfo
}

// NewModuleCache creates an empty per-run metadata cache.
func NewModuleCache() *ModuleCache {
	return &ModuleCache{mods: make(map[string]*registry.ModuleInfo)}
}

// Get returns the cached metadata for name, fetching it at most once per run.
func (mc *ModuleCache) Get(ctx context.Context, name string, fetch func(context.Context, string) (*registry.ModuleInfo, error)) (*registry.ModuleInfo, error) {
	mc.mu.RLock()
	info, ok := mc.mods[name]
	mc.mu.RUnlock()
	if ok {
		return info, nil
	}

	v, err, _ := mc.group.Do(name, func() (any, error) {
		info, err := fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		mc.mu.Lock()
		mc.mods[name] = info
		mc.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*registry.ModuleInfo), nil
}

// Lookup returns cached metadata without fetching.
func (mc *ModuleCache) Lookup(name string) (*registry.ModuleInfo, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	info, ok := mc.mods[name]
	return info, ok
}

// Len returns the number of distinct cached module names.
func (mc *ModuleCache) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.mods)
}

// Names returns the cached module names in sorted order.
func (mc *ModuleCache) Names() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]string, 0, len(mc.mods))
	for name := range mc.mods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type resolver struct {
	fetcher MetadataFetcher
	modules *ModuleCache
	logger  *log.Logger

	log    []ResolvedEdge
	chosen map[string]string // first version chosen per name, dedup bias
	path   map[string]bool   // name@version pairs on the current walk path
}

// Resolve walks the requirement graph rooted at roots and returns the per-run
// metadata cache and the ordered resolution log. Edges are appended in strict
// pre-order: each edge is recorded before its subtree is descended into, and
// a subtree completes before the next sibling starts. Pass a nil logger to
// resolve silently.
func Resolve(ctx context.Context, fetcher MetadataFetcher, roots manifest.Requirements, logger *log.Logger) (*ModuleCache, []ResolvedEdge, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &resolver{
		fetcher: fetcher,
		modules: NewModuleCache(),
		logger:  logger,
		chosen:  make(map[string]string),
		path:    make(map[string]bool),
	}
	if err := r.walk(ctx, roots); err != nil {
		return nil, nil, err
	}
	return r.modules, r.log, nil
}

func (r *resolver) walk(ctx context.Context, reqs manifest.Requirements) error {
	if len(reqs) == 0 {
		return nil
	}
	r.prefetch(ctx, reqs)

	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeCancelled, err, "resolution cancelled")
		}

		info, err := r.modules.Get(ctx, req.Name, r.fetcher.FetchModuleInfo)
		if err != nil {
			return err
		}

		version, ok := registry.SelectVersion(req.Range, info.VersionList(), r.chosen[req.Name])
		if !ok {
			return errors.New(errors.ErrCodeVersionResolution,
				"no version of %s satisfies %s (available: %v)", req.Name, req.Range, info.VersionList())
		}
		if _, seen := r.chosen[req.Name]; !seen {
			r.chosen[req.Name] = version
		}

		r.log = append(r.log, ResolvedEdge{Name: req.Name, Requirement: req.Range, Version: version})
		r.logger.Debug("resolved", "name", req.Name, "requirement", req.Range, "version", version)

		key := req.Name + "@" + version
		if r.path[key] {
			continue // dependency cycle; the edge is recorded but not re-descended
		}
		r.path[key] = true
		err = r.walk(ctx, info.Versions[version].Dependencies)
		delete(r.path, key)
		if err != nil {
			return err
		}
	}
	return nil
}

// prefetch warms the module cache for a sibling set concurrently. Results and
// errors are discarded here; the sequential walk re-joins the same
// singleflight call and reports errors in deterministic order.
func (r *resolver) prefetch(ctx context.Context, reqs manifest.Requirements) {
	for _, req := range reqs {
		if _, ok := r.modules.Lookup(req.Name); ok {
			continue
		}
		go func(name string) {
			_, _ = r.modules.Get(ctx, name, r.fetcher.FetchModuleInfo)
		}(req.Name)
	}
}
