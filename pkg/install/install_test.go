package install

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
	"github.com/stevedore-pm/stevedore/pkg/registry"
)

// fakeRegistry serves package metadata and tarballs over chi routes shaped
// like the real registry: GET /{name} and GET /tarballs/{file}.
type fakeRegistry struct {
	srv      *httptest.Server
	metadata map[string][]byte // name → metadata JSON
	tarballs map[string][]byte // file → tarball bytes
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	f := &fakeRegistry{
		metadata: make(map[string][]byte),
		tarballs: make(map[string][]byte),
	}

	r := chi.NewRouter()
	r.Get("/tarballs/{file}", func(w http.ResponseWriter, req *http.Request) {
		data, ok := f.tarballs[chi.URLParam(req, "file")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
		data, ok := f.metadata[chi.URLParam(req, "name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

// addVersion publishes one version: a tarball wrapping index.js in the
// standard "package/" directory, and its metadata entry with a real shasum.
func (f *fakeRegistry) addVersion(t *testing.T, name, version string, deps manifest.Requirements) {
	t.Helper()
	archive := buildTarball(t, map[string]string{
		"package/index.js": "module " + name + " " + version,
	})
	file := name + "-" + version + ".tgz"
	f.tarballs[file] = archive

	var doc struct {
		Name     string                           `json:"name"`
		Versions map[string]*registry.VersionInfo `json:"versions"`
	}
	if len(f.metadata[name]) > 0 {
		require.NoError(t, json.Unmarshal(f.metadata[name], &doc))
	} else {
		doc.Name = name
		doc.Versions = make(map[string]*registry.VersionInfo)
	}
	doc.Versions[version] = &registry.VersionInfo{
		Name:         name,
		Version:      version,
		Dependencies: deps,
		Dist: registry.Dist{
			Tarball: f.srv.URL + "/tarballs/" + file,
			Shasum:  sha1hex(archive),
		},
	}
	data, err := json.Marshal(&doc)
	require.NoError(t, err)
	f.metadata[name] = data
}

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha1hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func writeManifest(t *testing.T, dir, deps string) {
	t.Helper()
	doc := `{"name":"app","version":"1.0.0","dependencies":` + deps + `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(doc), 0o644))
}

func readModule(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(path, "index.js"))
	require.NoError(t, err)
	return string(data)
}

func newInstaller(t *testing.T, reg *fakeRegistry, progress *[]string) *Installer {
	t.Helper()
	return New(Options{
		Registry:    reg.srv.URL,
		Timeout:     5 * time.Second,
		MaxAttempts: 2,
		CacheDir:    t.TempDir(),
		Workers:     4,
		Progress: func(msg string) {
			if progress != nil {
				*progress = append(*progress, msg)
			}
		},
	})
}

func TestInstall_HoistedLayout(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addVersion(t, "b", "1.0.0", nil)
	reg.addVersion(t, "b", "2.0.0", nil)
	reg.addVersion(t, "b", "3.0.0", nil)
	reg.addVersion(t, "d", "1.0.0", nil)
	reg.addVersion(t, "c", "2.0.0", manifest.Requirements{
		{Name: "b", Range: "^2.0.0"},
		{Name: "d", Range: "^1.0.0"},
	})
	reg.addVersion(t, "a", "0.0.1", manifest.Requirements{
		{Name: "b", Range: "^1.0.0"},
		{Name: "c", Range: "^2.0.0"},
		{Name: "d", Range: ">=0.0.1"},
	})

	dir := t.TempDir()
	writeManifest(t, dir, `{"a":"^0.0.1"}`)

	var progress []string
	ins := newInstaller(t, reg, &progress)
	require.NoError(t, ins.Install(context.Background(), dir))

	root := filepath.Join(dir, DefaultModulesDir)
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)

	// The first resolved b claims the root slot; c's conflicting b nests
	// under c.
	assert.Equal(t, "module b 1.0.0", readModule(t, filepath.Join(root, "b")))
	assert.Equal(t, "module b 2.0.0",
		readModule(t, filepath.Join(root, "c", DefaultModulesDir, "b")))
	assert.Equal(t, "module a 0.0.1", readModule(t, filepath.Join(root, "a")))
	assert.Equal(t, "module d 1.0.0", readModule(t, filepath.Join(root, "d")))

	assert.Contains(t, progress, "Installing 5 packages")
	assert.Contains(t, progress, "Installed 5 packages")
}

func TestInstall_NoDependencies(t *testing.T) {
	reg := newFakeRegistry(t)
	dir := t.TempDir()
	writeManifest(t, dir, `{}`)

	var progress []string
	ins := newInstaller(t, reg, &progress)
	require.NoError(t, ins.Install(context.Background(), dir))

	assert.Equal(t, []string{"No dependencies"}, progress)
	_, err := os.Stat(filepath.Join(dir, DefaultModulesDir))
	assert.True(t, os.IsNotExist(err))
}

func TestInstall_MissingManifest(t *testing.T) {
	reg := newFakeRegistry(t)
	ins := newInstaller(t, reg, nil)

	err := ins.Install(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidManifest), "got %v", err)
}

func TestInstall_UnknownPackageAborts(t *testing.T) {
	reg := newFakeRegistry(t)
	dir := t.TempDir()
	writeManifest(t, dir, `{"ghost":"^1.0.0"}`)

	ins := newInstaller(t, reg, nil)
	err := ins.Install(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodePackageNotFound), "got %v", err)
}

func TestInstall_CorruptTarballAborts(t *testing.T) {
	reg := newFakeRegistry(t)
	reg.addVersion(t, "solo", "1.0.0", nil)
	// Swap the served bytes after publishing so the shasum no longer matches.
	reg.tarballs["solo-1.0.0.tgz"] = []byte("not the published archive")

	dir := t.TempDir()
	writeManifest(t, dir, `{"solo":"^1.0.0"}`)

	ins := newInstaller(t, reg, nil)
	err := ins.Install(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDigestMismatch), "got %v", err)

	_, statErr := os.Stat(filepath.Join(dir, DefaultModulesDir, "solo"))
	assert.True(t, os.IsNotExist(statErr), "rejected tarball must not be extracted")
}
