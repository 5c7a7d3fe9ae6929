// Package integrity verifies downloaded artifacts and extracts tarballs.
//
// Registries publish a "shasum" for every tarball: a 160-bit SHA-1 digest in
// hex. [DigestMatches] checks a file against that convention, and [Extract]
// unpacks a gzip-compressed tar stream into a destination directory.
package integrity

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevedore-pm/stevedore/pkg/errors"
)

// FileDigest computes the hex-encoded SHA-1 digest of the file at path.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestMatches reports whether the file at path has the expected hex digest.
// The comparison is case-insensitive. A missing or unreadable file never
// matches.
func DigestMatches(path, expected string) bool {
	got, err := FileDigest(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(got, expected)
}

// Extract unpacks the gzip-compressed tar archive at archivePath into dest,
// removing strip leading path components from every entry (0 = none).
// Entries whose stripped path would escape dest are rejected. The destination
// directory is created if absent. A missing or malformed archive yields an
// ARCHIVE_ERROR.
func Extract(dest, archivePath string, strip int) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "open archive %s", archivePath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "read archive %s", archivePath)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeArchive, err, "create %s", dest)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeArchive, err, "read archive %s", archivePath)
		}

		name, ok := stripComponents(hdr.Name, strip)
		if !ok {
			continue
		}
		target, err := securePath(dest, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(errors.ErrCodeArchive, err, "create %s", target)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return errors.Wrap(errors.ErrCodeArchive, err, "write %s", target)
			}
		default:
			// Symlinks, devices and the like are not part of registry
			// tarballs; skip them rather than fail the install.
		}
	}
}

// stripComponents removes n leading path components from name. Entries with
// fewer components than n (e.g. the wrapper directory itself) are dropped.
func stripComponents(name string, n int) (string, bool) {
	clean := strings.Trim(filepath.ToSlash(name), "/")
	if clean == "" {
		return "", false
	}
	parts := strings.Split(clean, "/")
	if len(parts) <= n {
		return "", false
	}
	return filepath.Join(parts[n:]...), true
}

func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New(errors.ErrCodeArchive, "archive entry escapes destination: %s", name)
	}
	return target, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
