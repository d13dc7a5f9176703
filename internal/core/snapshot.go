package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// entryStat is the quick-check record for one path in the image root.
type entryStat struct {
	kind    FileKind
	mode    fs.FileMode
	size    int64
	modTime time.Time
	target  string
}

// Snapshot is a point-in-time listing of an image root, keyed by
// slash-separated relative path. Contents are not read; changes are detected
// from kind, mode, size, mtime and link target.
type Snapshot struct {
	Root    string
	entries map[string]entryStat
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// TakeSnapshot walks root. A missing root yields an empty snapshot.
func TakeSnapshot(root string) (*Snapshot, error) {
	snap := &Snapshot{Root: root, entries: make(map[string]entryStat)}
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		st := entryStat{mode: info.Mode().Perm(), size: info.Size(), modTime: info.ModTime()}
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			st.kind = KindSymlink
			if st.target, err = os.Readlink(p); err != nil {
				return err
			}
		case info.IsDir():
			st.kind = KindDir
			st.size = 0
			st.modTime = time.Time{}
		case info.Mode().IsRegular():
			st.kind = KindFile
		default:
			// Sockets, fifos and devices are not part of an image layer.
			return nil
		}
		snap.entries[filepath.ToSlash(rel)] = st
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting %s: %w", root, err)
	}
	return snap, nil
}

// Diff captures what changed between before and after as layer entries.
// Contents of created or modified files are read from after.Root.
func Diff(before, after *Snapshot) ([]LayerFile, []string, error) {
	var files []LayerFile
	for rel, st := range after.entries {
		prev, existed := before.entries[rel]
		if existed && prev == st {
			continue
		}
		lf := LayerFile{Path: rel, Kind: st.kind, Mode: st.mode, Target: st.target}
		if st.kind == KindFile {
			content, err := os.ReadFile(filepath.Join(after.Root, filepath.FromSlash(rel)))
			if err != nil {
				return nil, nil, fmt.Errorf("reading changed file %s: %w", rel, err)
			}
			lf.Content = content
		}
		files = append(files, lf)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var deleted []string
	for rel := range before.entries {
		if _, ok := after.entries[rel]; !ok {
			deleted = append(deleted, rel)
		}
	}
	sort.Strings(deleted)
	deleted = outermost(deleted)

	if files == nil {
		files = []LayerFile{}
	}
	if deleted == nil {
		deleted = []string{}
	}
	return files, deleted, nil
}

// outermost drops paths nested under another path in the list.
func outermost(sorted []string) []string {
	kept := make(map[string]struct{}, len(sorted))
	var out []string
	for _, p := range sorted {
		nested := false
		for dir := pathParent(p); dir != ""; dir = pathParent(dir) {
			if _, ok := kept[dir]; ok {
				nested = true
				break
			}
		}
		if nested {
			continue
		}
		kept[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func pathParent(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return ""
	}
	return p[:i]
}
