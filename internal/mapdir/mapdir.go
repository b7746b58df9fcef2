// Package mapdir classifies the files of a repository tree into base maps
// and variants.
//
// A map directory is a directory that directly contains a file whose name
// ends with "map.png" (case-insensitive). Each map directory is classified by
// its nearest ancestor that is also a map directory:
//
//   - no such ancestor: a base map named after the directory itself
//   - the parent is a map directory: a variant of the parent map
//   - the nearest one is further up: not a supported layout, dropped
//
// Classification needs the full set of matching paths before any single
// path can be decided.
package mapdir

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/mapsyncd/mapsyncd/internal/github"
)

const (
	// Suffix is matched case-insensitively against file paths
	Suffix = "map.png"
	// FileName is the name of the mirrored image in the destination directory
	FileName = "map.png"
	// RecordName is the name of the fingerprint record next to FileName
	RecordName = ".map_sha"
)

// Target is a file selected for mirroring together with its destination
type Target struct {
	MapName    string
	Variant    string
	SourcePath string
	SHA        string
	DestDir    string
	DestFile   string
	RecordFile string
}

// HasVariant reports whether the target is a variant of a base map
func (t Target) HasVariant() bool {
	return t.Variant != ""
}

// candidate is a matching tree entry with its normalized map directory
type candidate struct {
	entry github.TreeEntry
	dir   []string
}

// Classify selects the map files from entries and computes where each one is
// stored below root. The result is sorted by source path. When several files
// resolve to the same destination, the lexicographically smallest source
// path wins and the others are dropped.
func Classify(root string, entries []github.TreeEntry) []Target {
	candidates := matching(entries)

	dirs := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		dirs[joinSegments(c.dir)] = struct{}{}
	}

	byDest := make(map[string]Target, len(candidates))
	for _, c := range candidates {
		mapName, variant, ok := resolve(c.dir, dirs)
		if !ok {
			continue
		}

		destDir := filepath.Join(root, mapName)
		if variant != "" {
			destDir = filepath.Join(destDir, variant)
		}

		// candidates are sorted, so the first one seen for a destination wins
		if _, taken := byDest[destDir]; taken {
			continue
		}

		byDest[destDir] = Target{
			MapName:    mapName,
			Variant:    variant,
			SourcePath: c.entry.Path,
			SHA:        c.entry.SHA,
			DestDir:    destDir,
			DestFile:   filepath.Join(destDir, FileName),
			RecordFile: filepath.Join(destDir, RecordName),
		}
	}

	targets := make([]Target, 0, len(byDest))
	for _, t := range byDest {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].SourcePath < targets[j].SourcePath
	})
	return targets
}

// IsMapFile reports whether path names a map image
func IsMapFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), Suffix)
}

// matching returns the map files of entries sorted by path. Files at the
// repository root have no directory to name a map after and are skipped, as
// are paths with ".." segments which would escape the output root.
func matching(entries []github.TreeEntry) []candidate {
	var candidates []candidate
	for _, e := range entries {
		if !e.IsFile() || !IsMapFile(e.Path) {
			continue
		}

		segments := splitPath(e.Path)
		if len(segments) < 2 || hasParentRef(segments) {
			continue
		}

		candidates = append(candidates, candidate{
			entry: e,
			dir:   segments[:len(segments)-1],
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].entry.Path < candidates[j].entry.Path
	})
	return candidates
}

// resolve classifies the map directory dir against the set of all map
// directories.
func resolve(dir []string, dirs map[string]struct{}) (mapName, variant string, ok bool) {
	distance := nearestAncestor(dir, dirs)

	switch distance {
	case 0:
		return dir[len(dir)-1], "", true
	case 1:
		return dir[len(dir)-2], dir[len(dir)-1], true
	default:
		return "", "", false
	}
}

// nearestAncestor walks up from dir and returns how many levels above dir the
// closest map directory is, or 0 when there is none. dir itself and the
// repository root are never considered.
func nearestAncestor(dir []string, dirs map[string]struct{}) int {
	for end := len(dir) - 1; end > 0; end-- {
		if _, found := dirs[joinSegments(dir[:end])]; found {
			return len(dir) - end
		}
	}
	return 0
}

// splitPath splits a slash separated tree path into its segments, dropping
// empty and "." segments.
func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	segments := raw[:0]
	for _, s := range raw {
		if s == "" || s == "." {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

func hasParentRef(segments []string) bool {
	for _, s := range segments {
		if s == ".." {
			return true
		}
	}
	return false
}

func joinSegments(segments []string) string {
	return strings.Join(segments, "/")
}
