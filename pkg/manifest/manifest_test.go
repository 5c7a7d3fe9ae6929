package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevedore-pm/stevedore/pkg/errors"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRequirements_PreservesOrder(t *testing.T) {
	var reqs Requirements
	data := `{"zlib":"^1.0.0","apple":"~2.1.0","mango":">=0.0.1"}`
	if err := json.Unmarshal([]byte(data), &reqs); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	want := Requirements{
		{Name: "zlib", Range: "^1.0.0"},
		{Name: "apple", Range: "~2.1.0"},
		{Name: "mango", Range: ">=0.0.1"},
	}
	if len(reqs) != len(want) {
		t.Fatalf("len = %d, want %d", len(reqs), len(want))
	}
	for i := range want {
		if reqs[i] != want[i] {
			t.Errorf("reqs[%d] = %+v, want %+v", i, reqs[i], want[i])
		}
	}
}

func TestRequirements_RoundTrip(t *testing.T) {
	in := Requirements{
		{Name: "b", Range: "^1.0.0"},
		{Name: "a", Range: "^2.0.0"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var out Requirements
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if len(out) != 2 || out[0].Name != "b" || out[1].Name != "a" {
		t.Errorf("round trip lost order: %+v", out)
	}
}

func TestRequirements_RejectsNonObject(t *testing.T) {
	var reqs Requirements
	if err := json.Unmarshal([]byte(`["a"]`), &reqs); err == nil {
		t.Error("Unmarshal() = nil, want error for non-object")
	}
}

func TestRead(t *testing.T) {
	dir := writeManifest(t, `{
		"name": "my-app",
		"version": "0.1.0",
		"dependencies": {
			"left-pad": "^1.0.0",
			"my-app": "^0.1.0",
			"right-pad": "~2.0.0"
		}
	}`)

	reqs, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	// The self-referential host entry is filtered, order otherwise intact.
	if len(reqs) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(reqs), reqs)
	}
	if reqs[0].Name != "left-pad" || reqs[1].Name != "right-pad" {
		t.Errorf("unexpected requirements: %+v", reqs)
	}
}

func TestRead_NoDependencies(t *testing.T) {
	dir := writeManifest(t, `{"name": "bare", "version": "1.0.0"}`)

	reqs, err := Read(dir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("len = %d, want 0", len(reqs))
	}
}

func TestRead_MissingManifest(t *testing.T) {
	_, err := Read(t.TempDir())
	if !errors.Is(err, errors.ErrCodeInvalidManifest) {
		t.Errorf("Read() = %v, want INVALID_MANIFEST", err)
	}
}

func TestRead_MalformedManifest(t *testing.T) {
	dir := writeManifest(t, `{"name": `)
	_, err := Read(dir)
	if !errors.Is(err, errors.ErrCodeInvalidManifest) {
		t.Errorf("Read() = %v, want INVALID_MANIFEST", err)
	}
}

func TestGet(t *testing.T) {
	reqs := Requirements{{Name: "a", Range: "^1.0.0"}}
	if rng, ok := reqs.Get("a"); !ok || rng != "^1.0.0" {
		t.Errorf("Get(a) = %q, %v", rng, ok)
	}
	if _, ok := reqs.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}
}
