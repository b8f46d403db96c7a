// Package namespace encapsulates the filesystem key layout. The
// metadata and directory packages take every key they use from a Tag
// method and never format one by hand, so the sharding guarantee
// ("every key of one namespace hashes to the same partition") holds
// for the filesystem schema. Keys formatted elsewhere: the merkle
// engine appends its own names to the prefix it is given, and the
// reference stores' InitUserDirectory builds the fileid-counter key
// itself.
package namespace

import "strings"

// Tag is a namespace identifier together with its derived hash-tag
// prefix. It is set once at process startup and is safe for concurrent
// read-only use thereafter — see DESIGN NOTES in spec.md §9 on why this
// is passed explicitly rather than read from a global.
type Tag struct {
	name   string
	prefix string // "{name}:"
}

// New constructs a Tag for namespace name. name must be non-empty.
func New(name string) Tag {
	return Tag{
		name:   name,
		prefix: "{" + name + "}:",
	}
}

// Name returns the bare namespace identifier.
func (t Tag) Name() string { return t.name }

// String returns the "{name}:" hash-tag prefix.
func (t Tag) String() string { return t.prefix }

// Meta returns the key of the metadata hash for path.
func (t Tag) Meta(path string) string {
	return t.prefix + path
}

// PathToID returns the key of the path->fileid bijective hash.
func (t Tag) PathToID() string {
	return t.prefix + "/" + t.name + "_path_to_id"
}

// IDToPath returns the key of the fileid->path bijective hash.
func (t Tag) IDToPath() string {
	return t.prefix + "/" + t.name + "_id_to_path"
}

// Nodes returns the key of the sorted-set node index.
func (t Tag) Nodes() string {
	return t.prefix + "/" + t.name + "_nodes"
}

// NextFileID returns the key of the fileid counter.
func (t Tag) NextFileID() string {
	return t.prefix + "/" + t.name + "_next_fileid"
}

// Root is the path of the namespace root. It always exists with
// fileid 1.
const Root = "/"

// RootFileID is the fileid permanently assigned to the root directory.
const RootFileID = uint64(1)

// Join appends name to dir using the filesystem's literal "/"
// separator, special-casing the root so callers never produce "//".
func Join(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + "/" + name
}

// Depth returns the node-index depth score for path: count('/') + 1 for
// any non-root path, and 1.0 (represented here as 1) for the root.
func Depth(path string) float64 {
	if path == Root {
		return 1
	}
	return float64(strings.Count(path, "/") + 1)
}

// Parent returns the directory path and final component name of path.
// Parent("/a/b") == ("/a", "b"); Parent("/a") == ("/", "a").
func Parent(path string) (dir, name string) {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return Root, path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}
