package content

import (
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Entry is one file of a manifest.
type Entry struct {
	Path   string
	Digest digest.Digest
	Size   int64
}

// Manifest is an ordered mapping from relative path to content digest.
// The zero value is an empty manifest.
type Manifest struct {
	entries []Entry // sorted by Path, unique
}

// NewManifest builds a manifest from entries in any order. When a path is
// repeated the last entry wins.
func NewManifest(entries []Entry) Manifest {
	byPath := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}
	out := make([]Entry, 0, len(byPath))
	for _, e := range byPath {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return Manifest{entries: out}
}

// Len returns the number of files.
func (m Manifest) Len() int { return len(m.entries) }

// Entries returns a copy of the entries in path order.
func (m Manifest) Entries() []Entry { return append([]Entry(nil), m.entries...) }

// Paths returns every path in order.
func (m Manifest) Paths() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Path
	}
	return out
}

// Lookup returns the entry for path.
func (m Manifest) Lookup(path string) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Path >= path })
	if i < len(m.entries) && m.entries[i].Path == path {
		return m.entries[i], true
	}
	return Entry{}, false
}

// TotalSize is the sum of all file sizes.
func (m Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.entries {
		n += e.Size
	}
	return n
}

// Digest identifies the whole tree. Two manifests with the same paths and
// file digests have the same Digest regardless of how they were built.
func (m Manifest) Digest() digest.Digest {
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(e.Path)
		b.WriteByte('\t')
		b.WriteString(e.Digest.String())
		b.WriteByte('\n')
	}
	return digest.FromString(b.String())
}
