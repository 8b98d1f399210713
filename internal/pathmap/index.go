// Package pathmap builds a directory index over a flat virtual-path mapping.
//
// The mapping assigns each virtual file path an opaque remote location
// understood by the external transfer tool. The index derives every ancestor
// directory of every mapped file so the HTTP server can answer both "is this a
// file?" and "what does this directory contain?" without touching the remote.
package pathmap

import (
	"sort"
	"strings"
)

// Entry is a single virtual path to remote location pair.
type Entry struct {
	Path   string // virtual path, always starts with "/"
	Remote string // remote location string for the external tool
}

// Mapping is the ordered set of virtual file paths.
type Mapping []Entry

// Kind classifies a Lookup result.
type Kind int

const (
	NotFound Kind = iota
	File
	Dir
)

// Result is the outcome of a Lookup.
type Result struct {
	Kind     Kind
	Remote   string   // set when Kind == File
	Children []string // set when Kind == Dir; directory children end with "/"
}

// Index answers path lookups against a mapping. It is built once and never
// mutated afterwards, so it is safe for unsynchronized concurrent readers.
type Index struct {
	files    map[string]string   // virtual path -> remote location
	listings map[string][]string // directory path (trailing "/") -> sorted children
}

// Build derives the directory index from a mapping. Every ancestor prefix of
// every virtual path (including the root "/") becomes a listing key. Children
// are the immediate sub-entries only: intermediate directory segments with a
// trailing "/", file names without. Children are sorted so listings are
// deterministic regardless of mapping order.
func Build(mapping Mapping) *Index {
	children := make(map[string]map[string]struct{})

	for _, e := range mapping {
		// "/a/b/c" -> ["", "a", "b", "c"]; segment i lives in the
		// directory formed by segments 0..i-1.
		segments := strings.Split(e.Path, "/")
		for i := 1; i < len(segments); i++ {
			parent := strings.Join(segments[:i], "/") + "/"
			child := segments[i]
			if i < len(segments)-1 {
				child += "/"
			}
			set, ok := children[parent]
			if !ok {
				set = make(map[string]struct{})
				children[parent] = set
			}
			set[child] = struct{}{}
		}
	}

	idx := &Index{
		files:    make(map[string]string, len(mapping)),
		listings: make(map[string][]string, len(children)),
	}
	for _, e := range mapping {
		idx.files[e.Path] = e.Remote
	}
	for dir, set := range children {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		idx.listings[dir] = names
	}
	return idx
}

// Lookup resolves a request path verbatim: an exact file match, an exact
// listing-key match, or nothing. No dot-segment resolution is attempted.
func (idx *Index) Lookup(path string) Result {
	if remote, ok := idx.files[path]; ok {
		return Result{Kind: File, Remote: remote}
	}
	if children, ok := idx.listings[path]; ok {
		return Result{Kind: Dir, Children: children}
	}
	return Result{Kind: NotFound}
}

// Len returns the number of mapped files.
func (idx *Index) Len() int {
	return len(idx.files)
}

// Listings returns the number of directory listing keys.
func (idx *Index) Listings() int {
	return len(idx.listings)
}
