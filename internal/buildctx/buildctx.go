// Package buildctx reads the application tree that is copied into an image.
//
// A [Context] is a directory plus an optional ignore file in gitignore
// syntax. Walking is lexical, so the tar stream and the content digest of an
// unchanged tree are identical across builds. The digest covers paths, file
// modes, symlink targets, and file bytes; modification times are excluded so
// touching a file without changing it keeps the copy stage cached.
package buildctx

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ignore "github.com/sabhiram/go-gitignore"
)

var ErrContext = errors.New("build context error")

// Patterns excluded from every context.
var defaultIgnores = []string{
	".git/",
	"**/__pycache__/",
	"*.pyc",
	".DS_Store",
}

// Entry is one file, directory, or symlink in the context.
type Entry struct {
	Path string      // Slash-separated path relative to the root.
	Info fs.FileInfo // Lstat result.
	Link string      // Symlink target, for symlinks.
}

// Context is a filtered view of a directory tree.
type Context struct {
	root     string
	matcher  *ignore.GitIgnore
	excluded []string // Slash-separated paths relative to root.
}

// Open prepares the context rooted at root. If ignoreFile is non-empty and
// exists, its patterns are applied on top of the built-in ones. The ignore
// file itself is excluded from the context, as is every path in exclude
// that lies under root (such as the directory build output is written to).
func Open(root, ignoreFile string, exclude ...string) (*Context, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContext, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrContext, root)
	}

	patterns := append([]string(nil), defaultIgnores...)

	if ignoreFile != "" {
		data, err := os.ReadFile(ignoreFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%w: %w", ErrContext, err)
		default:
			patterns = append(patterns, strings.Split(string(data), "\n")...)
			if rel, err := filepath.Rel(root, ignoreFile); err == nil && filepath.IsLocal(rel) {
				patterns = append(patterns, "/"+filepath.ToSlash(rel))
			}
		}
	}

	excluded, err := relativePaths(root, exclude)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContext, err)
	}

	return &Context{
		root:     root,
		matcher:  ignore.CompileIgnoreLines(patterns...),
		excluded: excluded,
	}, nil
}

// Returns the paths that lie strictly under root, relative to it.
func relativePaths(root string, paths []string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil || rel == "." || !filepath.IsLocal(rel) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

// Root returns the context directory.
func (c *Context) Root() string {
	return c.root
}

// Ignored reports whether the slash-separated relative path is excluded.
func (c *Context) Ignored(rel string, dir bool) bool {
	for _, x := range c.excluded {
		if rel == x || strings.HasPrefix(rel, x+"/") {
			return true
		}
	}
	if dir {
		return c.matcher.MatchesPath(rel + "/")
	}
	return c.matcher.MatchesPath(rel)
}

// Walk calls fn for every included entry in lexical order. Ignored
// directories are not descended into.
func (c *Context) Walk(fn func(Entry) error) error {
	return filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if c.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		e := Entry{Path: rel, Info: info}
		if info.Mode()&fs.ModeSymlink != 0 {
			if e.Link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		return fn(e)
	})
}

// Digest returns the content digest of the filtered tree.
func (c *Context) Digest() (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := c.Walk(func(e Entry) error {
		mode := e.Info.Mode()
		fmt.Fprintf(h, "%s\x00%o\x00", e.Path, mode&(fs.ModePerm|fs.ModeType))

		switch {
		case mode&fs.ModeSymlink != 0:
			fmt.Fprintf(h, "%s\x00", e.Link)
		case mode.IsRegular():
			fmt.Fprintf(h, "%d\x00", e.Info.Size())
			if err := hashFile(h, filepath.Join(c.root, filepath.FromSlash(e.Path))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrContext, err)
	}

	return d.Digest(), nil
}

func hashFile(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// WriteTar streams the filtered tree to w, with every entry placed under
// prefix (a slash-separated relative path, or "" for the archive root).
// Ownership is reset to root.
func (c *Context) WriteTar(w io.Writer, prefix string) error {
	tw := tar.NewWriter(w)

	err := c.Walk(func(e Entry) error {
		return writeEntry(tw, filepath.Join(c.root, filepath.FromSlash(e.Path)), path.Join(prefix, e.Path), e)
	})
	if err != nil {
		tw.Close()
		return fmt.Errorf("%w: %w", ErrContext, err)
	}

	return tw.Close()
}

// ReadFile returns the contents and permission bits of a regular file in the
// context. Ignore patterns are not applied.
func (c *Context) ReadFile(rel string) ([]byte, fs.FileMode, error) {
	p := filepath.Join(c.root, filepath.FromSlash(rel))
	info, err := os.Lstat(p)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrContext, err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%w: %s is not a regular file", ErrContext, rel)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrContext, err)
	}
	return data, info.Mode().Perm(), nil
}

// WriteDataTar streams a single file holding data to w under the archive
// name name. Parent directories in name are emitted as directory entries.
// Ownership is root and the modification time is zero.
func WriteDataTar(w io.Writer, name string, data []byte, mode fs.FileMode) error {
	tw := tar.NewWriter(w)

	if dir := path.Dir(name); dir != "." {
		if err := writeParents(tw, dir); err != nil {
			tw.Close()
			return fmt.Errorf("%w: %w", ErrContext, err)
		}
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		tw.Close()
		return fmt.Errorf("%w: %w", ErrContext, err)
	}
	if _, err := tw.Write(data); err != nil {
		tw.Close()
		return fmt.Errorf("%w: %w", ErrContext, err)
	}

	return tw.Close()
}

func writeParents(tw *tar.Writer, dir string) error {
	var parts []string
	for d := dir; d != "." && d != "/"; d = path.Dir(d) {
		parts = append([]string{d}, parts...)
	}
	for _, d := range parts {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0o755,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Writes a single file, directory, or symlink entry.
func writeEntry(tw *tar.Writer, hostPath, name string, e Entry) error {
	header, err := tar.FileInfoHeader(e.Info, e.Link)
	if err != nil {
		return err
	}
	header.Name = name
	if e.Info.IsDir() {
		header.Name += "/"
	}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if !e.Info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}
