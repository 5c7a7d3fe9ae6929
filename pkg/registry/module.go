package registry

import (
	"encoding/json"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/stevedore-pm/stevedore/pkg/errors"
	"github.com/stevedore-pm/stevedore/pkg/manifest"
)

// Dist describes where a version's tarball lives and how to verify it.
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity,omitempty"`
}

// VersionInfo is the registry metadata for one published version.
// Immutable once parsed.
type VersionInfo struct {
	Name         string                `json:"name"`
	Version      string                `json:"version"`
	Dependencies manifest.Requirements `json:"dependencies,omitempty"`
	Dist         Dist                  `json:"dist"`
}

// ModuleInfo is the normalized metadata for one package: its name and every
// published version. Both registry encodings (a full "versions" map, or a
// bare document carrying only dist-tags.latest) normalize into this shape.
type ModuleInfo struct {
	Name     string
	Versions map[string]*VersionInfo
}

// rawModule covers both metadata encodings the registry serves. The legacy
// full shape carries Versions; the abbreviated shape carries the version
// fields at the top level with dist-tags.latest naming it.
type rawModule struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	DistTags struct {
		Latest string `json:"latest"`
	} `json:"dist-tags"`
	Versions     map[string]*VersionInfo `json:"versions"`
	Dependencies manifest.Requirements   `json:"dependencies,omitempty"`
	Dist         Dist                    `json:"dist"`
}

// ParseModuleInfo parses raw registry JSON into a ModuleInfo.
// It returns a PARSE_ERROR for malformed JSON and a VALIDATION_ERROR when the
// name is absent, when neither a non-empty versions map nor a resolvable
// dist-tags.latest is present, or when dist-tags.latest names a version that
// does not exist.
func ParseModuleInfo(data []byte) (*ModuleInfo, error) {
	var raw rawModule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, err, "malformed registry metadata")
	}
	if raw.Name == "" {
		return nil, errors.New(errors.ErrCodeValidation, "registry metadata missing name")
	}

	if len(raw.Versions) > 0 {
		if latest := raw.DistTags.Latest; latest != "" {
			if _, ok := raw.Versions[latest]; !ok {
				return nil, errors.New(errors.ErrCodeValidation,
					"%s: dist-tags.latest %q not in versions", raw.Name, latest)
			}
		}
		for v, info := range raw.Versions {
			if _, err := semver.NewVersion(v); err != nil {
				return nil, errors.Wrap(errors.ErrCodeValidation, err,
					"%s: invalid version %q", raw.Name, v)
			}
			if info.Name == "" {
				info.Name = raw.Name
			}
			if info.Version == "" {
				info.Version = v
			}
		}
		return &ModuleInfo{Name: raw.Name, Versions: raw.Versions}, nil
	}

	latest := raw.DistTags.Latest
	if latest == "" {
		latest = raw.Version
	}
	if latest == "" {
		return nil, errors.New(errors.ErrCodeValidation,
			"%s: registry metadata has neither versions nor dist-tags.latest", raw.Name)
	}
	if _, err := semver.NewVersion(latest); err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidation, err,
			"%s: invalid version %q", raw.Name, latest)
	}

	// Abbreviated encoding: the document itself describes the latest version.
	return &ModuleInfo{
		Name: raw.Name,
		Versions: map[string]*VersionInfo{
			latest: {
				Name:         raw.Name,
				Version:      latest,
				Dependencies: raw.Dependencies,
				Dist:         raw.Dist,
			},
		},
	}, nil
}

// VersionList returns the available version strings in ascending semver order.
func (m *ModuleInfo) VersionList() []string {
	out := make([]string, 0, len(m.Versions))
	for v := range m.Versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := semver.NewVersion(out[i])
		b, errB := semver.NewVersion(out[j])
		if errA != nil || errB != nil {
			return out[i] < out[j]
		}
		return a.LessThan(b)
	})
	return out
}

// SelectVersion picks the version satisfying the requirement range.
// If preferred is non-empty and satisfies the range it wins, which biases
// resolution toward versions already chosen elsewhere in the tree. Otherwise
// the maximum satisfying version from available is returned. The second
// result is false when nothing satisfies the range.
func SelectVersion(requirement string, available []string, preferred string) (string, bool) {
	constraint, err := semver.NewConstraint(requirement)
	if err != nil {
		return "", false
	}

	if preferred != "" {
		if v, err := semver.NewVersion(preferred); err == nil && constraint.Check(v) {
			return preferred, true
		}
	}

	var best *semver.Version
	var bestRaw string
	for _, raw := range available {
		v, err := semver.NewVersion(raw)
		if err != nil || !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	if best == nil {
		return "", false
	}
	return bestRaw, true
}
