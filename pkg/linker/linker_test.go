package linker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
	"github.com/stevedore-pm/stevedore/pkg/registry"
	"github.com/stevedore-pm/stevedore/pkg/resolver"
)

type graphFetcher map[string]*registry.ModuleInfo

func (g graphFetcher) FetchModuleInfo(_ context.Context, name string) (*registry.ModuleInfo, error) {
	info, ok := g[name]
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "no such package %s", name)
	}
	return info, nil
}

func version(name, v string, deps ...manifest.Requirement) *registry.VersionInfo {
	return &registry.VersionInfo{
		Name:         name,
		Version:      v,
		Dependencies: deps,
		Dist: registry.Dist{
			Tarball:   "https://example.test/" + name + "-" + v + ".tgz",
			Shasum:    "da39a3ee5e6b4b0d3255bfef95601890afd80709",
			Integrity: "sha512-" + name + v,
		},
	}
}

func testGraph() graphFetcher {
	return graphFetcher{
		"a": {Name: "a", Versions: map[string]*registry.VersionInfo{
			"0.0.1": version("a", "0.0.1",
				manifest.Requirement{Name: "b", Range: "^1.0.0"},
				manifest.Requirement{Name: "c", Range: "^2.0.0"},
				manifest.Requirement{Name: "d", Range: ">=0.0.1"},
			),
		}},
		"b": {Name: "b", Versions: map[string]*registry.VersionInfo{
			"1.0.0": version("b", "1.0.0"),
			"2.0.0": version("b", "2.0.0"),
			"3.0.0": version("b", "3.0.0"),
		}},
		"c": {Name: "c", Versions: map[string]*registry.VersionInfo{
			"2.0.0": version("c", "2.0.0",
				manifest.Requirement{Name: "b", Range: "^2.0.0"},
				manifest.Requirement{Name: "d", Range: "^1.0.0"},
			),
		}},
		"d": {Name: "d", Versions: map[string]*registry.VersionInfo{
			"1.0.0": version("d", "1.0.0"),
		}},
	}
}

func resolveGraph(t *testing.T) (manifest.Requirements, []resolver.ResolvedEdge, *resolver.ModuleCache) {
	t.Helper()
	roots := manifest.Requirements{{Name: "a", Range: "^0.0.1"}}
	modules, log, err := resolver.Resolve(context.Background(), testGraph(), roots, nil)
	require.NoError(t, err)
	return roots, log, modules
}

func itemByKey(items []*DependencyItem, key string) *DependencyItem {
	for _, item := range items {
		if item.Key() == key {
			return item
		}
	}
	return nil
}

func TestLink_FirstClaimWinsHoisting(t *testing.T) {
	roots, log, modules := resolveGraph(t)

	items, err := Link(roots, log, modules)
	require.NoError(t, err)
	require.Len(t, items, 5, "one item per distinct name+version pair")

	a := itemByKey(items, "a@0.0.1")
	b1 := itemByKey(items, "b@1.0.0")
	b2 := itemByKey(items, "b@2.0.0")
	c := itemByKey(items, "c@2.0.0")
	d := itemByKey(items, "d@1.0.0")
	require.NotNil(t, a)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	require.NotNil(t, c)
	require.NotNil(t, d)

	// First edge for b claimed the root slot with 1.0.0; c's conflicting
	// b@2.0.0 nests under c.
	assert.Nil(t, a.Parent)
	assert.Nil(t, b1.Parent)
	assert.Nil(t, c.Parent)
	assert.Nil(t, d.Parent)
	require.NotNil(t, b2.Parent)
	assert.Equal(t, c, b2.Parent)
}

func TestLink_SatisfiedVersionsAccumulate(t *testing.T) {
	roots, log, modules := resolveGraph(t)

	items, err := Link(roots, log, modules)
	require.NoError(t, err)

	d := itemByKey(items, "d@1.0.0")
	require.NotNil(t, d)
	// d@1.0.0 satisfied both c's ^1.0.0 (recorded first) and a's >=0.0.1.
	assert.Equal(t, []string{"^1.0.0", ">=0.0.1"}, d.SatisfiedVersions)

	b1 := itemByKey(items, "b@1.0.0")
	require.NotNil(t, b1)
	assert.Equal(t, []string{"^1.0.0"}, b1.SatisfiedVersions)
}

func TestLink_DistMetadataFromFirstOccurrence(t *testing.T) {
	roots, log, modules := resolveGraph(t)

	items, err := Link(roots, log, modules)
	require.NoError(t, err)

	b2 := itemByKey(items, "b@2.0.0")
	require.NotNil(t, b2)
	assert.Equal(t, "https://example.test/b-2.0.0.tgz", b2.Resolved)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", b2.Shasum)
	assert.Equal(t, "sha512-b2.0.0", b2.Integrity)
}

func TestInstallPath(t *testing.T) {
	roots, log, modules := resolveGraph(t)

	items, err := Link(roots, log, modules)
	require.NoError(t, err)

	root := filepath.Join("proj", "node_modules")
	b1 := itemByKey(items, "b@1.0.0")
	b2 := itemByKey(items, "b@2.0.0")

	assert.Equal(t, filepath.Join(root, "b"), b1.InstallPath(root, "node_modules"))
	assert.Equal(t, filepath.Join(root, "c", "node_modules", "b"), b2.InstallPath(root, "node_modules"))
}

func TestLink_LogMismatch(t *testing.T) {
	roots, log, modules := resolveGraph(t)

	_, err := Link(roots, log[:len(log)-1], modules)
	require.Error(t, err, "truncated log must not link")
}

func TestLocateItem(t *testing.T) {
	items := []*DependencyItem{
		{Name: "b", Version: "1.0.0"},
		{Name: "b", Version: "2.0.0"},
		{Name: "c", Version: "2.0.0"},
	}

	got, err := LocateItem("b", "^2.0.0", items)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)

	_, err = LocateItem("b", "^9.0.0", items)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)

	_, err = LocateItem("zzz", "^1.0.0", items)
	require.Error(t, err)
}
