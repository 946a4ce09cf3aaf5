package fsutil

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CompressionLevel is the gzip level used for tarballs. LevelNone writes a
// plain tar stream.
type CompressionLevel int

const (
	LevelNone    CompressionLevel = 0
	LevelFast    CompressionLevel = 1
	LevelDefault CompressionLevel = 6
	LevelMax     CompressionLevel = 9
)

// ParseCompressionLevel accepts none, fast, default or max.
func ParseCompressionLevel(level string) (CompressionLevel, error) {
	switch strings.ToLower(level) {
	case "none", "0":
		return LevelNone, nil
	case "fast", "1":
		return LevelFast, nil
	case "", "default", "6":
		return LevelDefault, nil
	case "max", "9":
		return LevelMax, nil
	default:
		return LevelNone, fmt.Errorf("invalid compression level: %s (must be none, fast, default, or max)", level)
	}
}

// PackOptions controls PackDir.
type PackOptions struct {
	// Level is the gzip level; LevelNone writes a plain tar stream.
	Level CompressionLevel

	// Prefix is prepended to every path taken from the directory.
	Prefix string

	// Files are in-memory files written before the directory contents.
	Files map[string][]byte

	// Exclude skips entries by their path relative to root.
	Exclude func(rel string) bool
}

// PackDir writes the contents of root as a tar stream to w. Paths in the
// archive are relative to root. A missing root yields an archive holding
// only opts.Files.
func PackDir(w io.Writer, root string, opts PackOptions) error {
	out := w
	var gz *gzip.Writer
	if opts.Level != LevelNone {
		var err error
		gz, err = gzip.NewWriterLevel(w, int(opts.Level))
		if err != nil {
			return fmt.Errorf("gzip writer: %w", err)
		}
		out = gz
	}

	tw := tar.NewWriter(out)

	names := make([]string, 0, len(opts.Files))
	for name := range opts.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data := opts.Files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		root = ""
	}
	exclude := opts.Exclude
	err := walkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if exclude != nil && exclude(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel = opts.Prefix + rel

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("pack %s: %w", root, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("close gzip: %w", err)
		}
	}
	return nil
}

// UnpackDir extracts a tar stream, gzip compressed or not, into dest.
// Entries escaping dest are rejected.
func UnpackDir(r io.Reader, dest string) error {
	br := bufio.NewReader(r)
	var in io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		in = gz
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	cleanDest := filepath.Clean(dest) + string(os.PathSeparator)

	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target+string(os.PathSeparator), cleanDest) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)&os.ModePerm); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Devices and fifos are not part of component data.
		}
	}
}

func walkDir(root string, fn fs.WalkDirFunc) error {
	if root == "" {
		return nil
	}
	return filepath.WalkDir(root, fn)
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
