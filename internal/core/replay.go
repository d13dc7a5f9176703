package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Replayer applies cached layers onto an image root.
type Replayer struct {
	Root string
}

// NewReplayer creates a Replayer for root.
func NewReplayer(root string) *Replayer {
	return &Replayer{Root: root}
}

// Apply writes the layer's deletions and entries into the root and returns
// how many entries were written. Files already holding the cached content are
// left alone, so applying the same layer twice is a no-op.
func (r *Replayer) Apply(layer *Layer) (int, error) {
	if r == nil {
		return 0, errors.New("replayer is nil")
	}
	if layer == nil {
		return 0, errors.New("layer is nil")
	}
	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		return 0, fmt.Errorf("creating image root: %w", err)
	}
	root, err := filepath.EvalSymlinks(r.Root)
	if err != nil {
		return 0, fmt.Errorf("resolving image root: %w", err)
	}

	for _, rel := range layer.Deleted {
		target, err := resolveTarget(root, rel)
		if err != nil {
			return 0, fmt.Errorf("layer %s: %w", layer.Key.Short(), err)
		}
		if err := os.RemoveAll(target); err != nil {
			return 0, fmt.Errorf("layer %s: removing %s: %w", layer.Key.Short(), rel, err)
		}
	}

	written := 0
	for _, f := range layer.Files {
		target, err := resolveTarget(root, f.Path)
		if err != nil {
			return written, fmt.Errorf("layer %s: %w", layer.Key.Short(), err)
		}
		changed, err := applyEntry(target, f)
		if err != nil {
			return written, fmt.Errorf("layer %s: restoring %s: %w", layer.Key.Short(), f.Path, err)
		}
		if changed {
			written++
		}
	}
	return written, nil
}

func applyEntry(target string, f LayerFile) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}
	switch f.Kind {
	case KindDir:
		info, err := os.Lstat(target)
		if err == nil && info.IsDir() {
			if info.Mode().Perm() == f.Mode.Perm() {
				return false, nil
			}
			return true, os.Chmod(target, f.Mode.Perm())
		}
		if err == nil {
			if err := os.RemoveAll(target); err != nil {
				return false, err
			}
		}
		if err := os.Mkdir(target, f.Mode.Perm()); err != nil {
			return false, err
		}
		return true, os.Chmod(target, f.Mode.Perm())

	case KindSymlink:
		if cur, err := os.Readlink(target); err == nil && cur == f.Target {
			return false, nil
		}
		if err := os.RemoveAll(target); err != nil {
			return false, err
		}
		return true, os.Symlink(f.Target, target)

	case KindFile:
		if info, err := os.Lstat(target); err == nil {
			if info.Mode().IsRegular() && info.Mode().Perm() == f.Mode.Perm() {
				have, err := fileSHA256Hex(target)
				if err != nil {
					return false, err
				}
				if have == sha256Hex(f.Content) {
					return false, nil
				}
			}
			if info.IsDir() || info.Mode()&fs.ModeSymlink != 0 {
				if err := os.RemoveAll(target); err != nil {
					return false, err
				}
			}
		}
		return true, writeFileAtomic(target, f.Content, f.Mode.Perm())

	default:
		return false, fmt.Errorf("unknown entry kind %q", f.Kind)
	}
}

// resolveTarget maps a layer path into root, refusing anything that escapes it.
// Parent directories are resolved on disk, so a symlinked directory inside
// the image cannot carry writes out of it. root must already be resolved.
func resolveTarget(root, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("invalid layer path %q", rel)
	}
	full := filepath.Join(root, filepath.FromSlash(clean))
	for dir := filepath.Dir(full); ; dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if _, ok := relInside(root, resolved); !ok {
				return "", fmt.Errorf("layer path %q resolves outside the image root", rel)
			}
			return full, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// a dangling link has nowhere safe to resolve to
		if _, lerr := os.Lstat(dir); lerr == nil {
			return "", fmt.Errorf("layer path %q crosses dangling link %s", rel, dir)
		}
		if dir == root {
			return full, nil
		}
	}
}

func fileSHA256Hex(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
