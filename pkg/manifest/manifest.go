// Package manifest reads dependency requirements from a package.json manifest.
//
// Dependency order matters to the resolver: requirement edges are visited in
// the order they appear in the manifest, so a plain map[string]string is not
// enough. [Requirements] preserves JSON object key order when unmarshaling.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stevedore-pm/stevedore/pkg/errors"
)

// FileName is the manifest file read from an install directory.
const FileName = "package.json"

// Requirement is one dependency edge: a package name paired with a
// semantic-version range string such as "^1.0.0".
type Requirement struct {
	Name  string
	Range string
}

// Requirements is an ordered list of dependency requirements. It unmarshals
// from a JSON object while preserving key order, which encoding/json's map
// type does not.
type Requirements []Requirement

// UnmarshalJSON decodes a JSON object of name → range pairs in document order.
func (r *Requirements) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	out := Requirements{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}
		var rng string
		if err := dec.Decode(&rng); err != nil {
			return fmt.Errorf("requirement %q: %w", name, err)
		}
		out = append(out, Requirement{Name: name, Range: rng})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*r = out
	return nil
}

// MarshalJSON encodes the requirements back into a JSON object in order.
func (r Requirements) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, req := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(req.Name)
		if err != nil {
			return nil, err
		}
		rng, err := json.Marshal(req.Range)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(rng)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the range for name and whether it is present.
func (r Requirements) Get(name string) (string, bool) {
	for _, req := range r {
		if req.Name == name {
			return req.Range, true
		}
	}
	return "", false
}

// packageFile is the subset of package.json the installer reads.
type packageFile struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Dependencies Requirements `json:"dependencies"`
}

// Read parses dir's package.json and returns its dependency requirements in
// declaration order. A dependency entry naming the host package itself is
// filtered out. A manifest with no dependencies yields an empty list.
func Read(dir string) (Requirements, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "read manifest %s", path)
	}

	var pkg packageFile
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidManifest, err, "parse manifest %s", path)
	}

	reqs := make(Requirements, 0, len(pkg.Dependencies))
	for _, req := range pkg.Dependencies {
		if req.Name == pkg.Name {
			continue // self-referential host entry
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
