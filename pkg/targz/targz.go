package targz

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Visitor interface {
	VisitDirectory(header *tar.Header) error
	VisitFile(header *tar.Header) (io.WriteCloser, error)
	VisitSymlink(header *tar.Header) error
}

func Extract(input io.Reader, visitor Visitor) error {
	gzipReader, err := gzip.NewReader(input)
	if err != nil {
		return err
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := visitor.VisitDirectory(header); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := visitor.VisitSymlink(header); err != nil {
				return err
			}
		case tar.TypeReg:
			writer, err := visitor.VisitFile(header)
			if err != nil {
				return err
			}

			written, err := io.Copy(writer, tarReader)
			if err != nil {
				writer.Close()
				return err
			}
			if written < header.Size {
				writer.Close()
				return fmt.Errorf("short write for %s: %d of %d bytes", header.Name, written, header.Size)
			}

			if err := writer.Close(); err != nil {
				return err
			}
		}
	}

	return nil
}

type fsVisitor struct {
	root string
}

func (v *fsVisitor) target(name string) (string, error) {
	path := filepath.Join(v.root, filepath.FromSlash(name))
	if path != v.root && !strings.HasPrefix(path, v.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %s escapes %s", name, v.root)
	}
	return path, nil
}

func (v *fsVisitor) VisitDirectory(header *tar.Header) error {
	path, err := v.target(header.Name)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, header.FileInfo().Mode().Perm()|0o700)
}

func (v *fsVisitor) VisitFile(header *tar.Header) (io.WriteCloser, error) {
	path, err := v.target(header.Name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, header.FileInfo().Mode().Perm())
}

func (v *fsVisitor) VisitSymlink(header *tar.Header) error {
	path, err := v.target(header.Name)
	if err != nil {
		return err
	}
	if filepath.IsAbs(header.Linkname) {
		return fmt.Errorf("archive entry %s links to absolute path %s", header.Name, header.Linkname)
	}
	if _, err := v.target(filepath.Join(filepath.Dir(header.Name), header.Linkname)); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.Remove(path)
	return os.Symlink(header.Linkname, path)
}

// ExtractToDir unpacks a .tar.gz stream below path, refusing entries that
// would land outside of it.
func ExtractToDir(input io.Reader, path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	return Extract(input, &fsVisitor{root: filepath.Clean(root)})
}
