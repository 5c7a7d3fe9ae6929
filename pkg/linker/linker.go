// Package linker flattens a resolution log into install items with
// placements: hoist every package as close to the root as possible, nesting
// under the requiring package only on version conflict.
package linker

import (
	"path/filepath"
	"slices"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
	"github.com/stevedore-pm/stevedore/pkg/registry"
	"github.com/stevedore-pm/stevedore/pkg/resolver"
)

// DependencyItem is the flattened install unit for one distinct
// (name, version) pair from the resolution log. SatisfiedVersions accumulates
// every requirement range this exact version was chosen to satisfy. A nil
// Parent means the item is hoisted to the root install location; otherwise it
// nests under the parent's own install location.
type DependencyItem struct {
	Name              string
	Version           string
	Resolved          string // tarball URL
	Shasum            string
	Integrity         string
	SatisfiedVersions []string
	Parent            *DependencyItem
}

// Key returns the item's name@version identity.
func (i *DependencyItem) Key() string { return i.Name + "@" + i.Version }

// InstallPath resolves the item's placement beneath root. Hoisted items live
// directly under root; a conflicting item nests under its requiring package's
// modules directory, recursively.
func (i *DependencyItem) InstallPath(root, modulesDir string) string {
	if i.Parent == nil {
		return filepath.Join(root, i.Name)
	}
	return filepath.Join(i.Parent.InstallPath(root, modulesDir), modulesDir, i.Name)
}

func (i *DependencyItem) addSatisfied(rng string) {
	if !slices.Contains(i.SatisfiedVersions, rng) {
		i.SatisfiedVersions = append(i.SatisfiedVersions, rng)
	}
}

// linkState replays the resolution log to recover each edge's parent.
// Because the log is recorded in strict pre-order, replaying the same walk
// against the module cache consumes edges in exactly the order they were
// appended.
type linkState struct {
	modules *resolver.ModuleCache
	log     []resolver.ResolvedEdge
	idx     int

	items map[string]*DependencyItem // name@version → item
	order []*DependencyItem
	root  map[string]*DependencyItem // root slot claims, name → item
	path  map[string]bool            // name@version pairs on the replay path
}

// Link consumes the resolver's ordered log and produces the full set of
// DependencyItems with placements by first-claim-wins hoisting:
//
//   - an unclaimed root slot for a name is claimed by the first edge's version
//   - a later edge matching the claimed version just records its range
//   - a later edge with a conflicting version nests under its immediate
//     requiring package
//
// Edges of the implicit root package itself always land at the root: they are
// processed first and therefore always win their claim.
func Link(roots manifest.Requirements, log []resolver.ResolvedEdge, modules *resolver.ModuleCache) ([]*DependencyItem, error) {
	s := &linkState{
		modules: modules,
		log:     log,
		items:   make(map[string]*DependencyItem),
		root:    make(map[string]*DependencyItem),
		path:    make(map[string]bool),
	}
	if err := s.replay(roots, nil); err != nil {
		return nil, err
	}
	if s.idx != len(log) {
		return nil, errors.New(errors.ErrCodeInternal,
			"resolution log not fully consumed: %d of %d edges", s.idx, len(log))
	}
	return s.order, nil
}

func (s *linkState) replay(reqs manifest.Requirements, parent *DependencyItem) error {
	for _, req := range reqs {
		if s.idx >= len(s.log) {
			return errors.New(errors.ErrCodeInternal, "resolution log exhausted at %s", req.Name)
		}
		edge := s.log[s.idx]
		s.idx++
		if edge.Name != req.Name {
			return errors.New(errors.ErrCodeInternal,
				"resolution log out of order: want %s, have %s", req.Name, edge.Name)
		}

		item, err := s.item(edge)
		if err != nil {
			return err
		}

		claimed, ok := s.root[edge.Name]
		switch {
		case !ok:
			s.root[edge.Name] = item
		case claimed == item:
			// Same version already hoisted; nothing to place.
		default:
			// Version conflict: nest under the immediate requiring package.
			// The first placement wins for this item.
			if item.Parent == nil {
				item.Parent = parent
			}
		}
		item.addSatisfied(edge.Requirement)

		info, found := s.modules.Lookup(edge.Name)
		if !found {
			return errors.New(errors.ErrCodeInternal, "module cache missing %s", edge.Name)
		}
		vi, found := info.Versions[edge.Version]
		if !found {
			return errors.New(errors.ErrCodeInternal, "module cache missing %s@%s", edge.Name, edge.Version)
		}

		// Mirror the resolver's cycle guard: an edge whose name@version is
		// already on the walk path was recorded without a subtree.
		key := item.Key()
		if !s.path[key] {
			s.path[key] = true
			err := s.replay(vi.Dependencies, item)
			delete(s.path, key)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// item returns the single DependencyItem for the edge's (name, version) pair,
// creating it from the first occurrence's dist metadata.
func (s *linkState) item(edge resolver.ResolvedEdge) (*DependencyItem, error) {
	key := edge.Name + "@" + edge.Version
	if item, ok := s.items[key]; ok {
		return item, nil
	}

	info, ok := s.modules.Lookup(edge.Name)
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "module cache missing %s", edge.Name)
	}
	vi, ok := info.Versions[edge.Version]
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "module cache missing %s@%s", edge.Name, edge.Version)
	}

	item := &DependencyItem{
		Name:      edge.Name,
		Version:   edge.Version,
		Resolved:  vi.Dist.Tarball,
		Shasum:    vi.Dist.Shasum,
		Integrity: vi.Dist.Integrity,
	}
	s.items[key] = item
	s.order = append(s.order, item)
	return item, nil
}

// LocateItem returns the item whose name matches and whose version satisfies
// the requirement range.
func LocateItem(name, requirement string, items []*DependencyItem) (*DependencyItem, error) {
	for _, item := range items {
		if item.Name != name {
			continue
		}
		if v, ok := registry.SelectVersion(requirement, []string{item.Version}, ""); ok && v == item.Version {
			return item, nil
		}
	}
	return nil, errors.New(errors.ErrCodeNotFound, "no item for %s@%s", name, requirement)
}
