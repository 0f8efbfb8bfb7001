package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	KindNoncodesigned = "noncodesigned"
	KindAll           = "all"

	codesignedMarker = "-codesigned"
)

// SumsFile is the attestation file name for a kind, e.g. all.SHA256SUMS.
func SumsFile(kind string) string {
	return kind + ".SHA256SUMS"
}

func includeFor(kind string) func(rel string) bool {
	if kind == KindNoncodesigned {
		return func(rel string) bool {
			return !strings.Contains(rel, codesignedMarker)
		}
	}
	return func(string) bool { return true }
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeSums renders "<sha256>  <relative path>" lines for every regular
// file below dir accepted by include, sorted by path.
func ComputeSums(dir string, include func(rel string) bool) ([]byte, error) {
	paths := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if include(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to walk %s", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("No artifacts to attest in %s", dir)
	}
	sort.Strings(paths)

	buf := &bytes.Buffer{}
	for _, rel := range paths {
		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to hash %s", rel)
		}
		fmt.Fprintf(buf, "%s  %s\n", sum, rel)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
