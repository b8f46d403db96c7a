// Package metadata reads and mutates per-entry attributes: the fixed
// field set stored in each path's metadata hash, and the translation
// to and from the protocol-facing attribute struct. Grounded on
// spec.md §4.E and the field layout recovered from
// original_source/src/fattr3.rs and data_store.rs's get_attributes.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shardfs/shardfs/datastore"
	"github.com/shardfs/shardfs/namespace"
	"github.com/shardfs/shardfs/vfserr"
)

// FType is the internal, persisted entry type.
type FType int

const (
	TypeDir FType = iota
	TypeFile
	TypeSymlink
)

// ProtoType is the protocol-facing entry type spec.md's Fattr exposes.
type ProtoType int

const (
	ProtoDir ProtoType = iota
	ProtoRegular
	ProtoSymlink
)

func (t ProtoType) String() string {
	switch t {
	case ProtoDir:
		return "DIR"
	case ProtoRegular:
		return "REG"
	case ProtoSymlink:
		return "LNK"
	default:
		return "UNKNOWN"
	}
}

func ftypeToProto(t FType) ProtoType {
	switch t {
	case TypeDir:
		return ProtoDir
	case TypeSymlink:
		return ProtoSymlink
	default:
		return ProtoRegular
	}
}

// modeMask is the 9-bit permission mask spec.md §4.E requires every
// stored and formatted mode to be clamped against.
const modeMask = 0x1FF

// Attr is the fixed field set stored in an entry's metadata hash.
type Attr struct {
	FType         FType
	Size          uint64
	Mode          uint32
	FileID        uint64
	AtimeSec      int64
	AtimeNsec     int64
	MtimeSec      int64
	MtimeNsec     int64
	CtimeSec      int64
	CtimeNsec     int64
	SymlinkTarget string
	// Data holds the serialized secret shares of a file's payload. Only
	// meaningful for FType == TypeFile.
	Data string
}

// Fattr is the protocol-facing attribute view Format produces.
type Fattr struct {
	Type   ProtoType
	Mode   uint32
	Size   uint64
	FileID uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// Format converts a stored Attr into the protocol-facing Fattr,
// applying spec.md §4.E's mode-unmask rule: `mode | 0x80` then masked
// against 0x1FF.
func Format(a Attr) Fattr {
	return Fattr{
		Type:   ftypeToProto(a.FType),
		Mode:   (a.Mode | 0x80) & modeMask,
		Size:   a.Size,
		FileID: a.FileID,
		Atime:  time.Unix(a.AtimeSec, a.AtimeNsec).UTC(),
		Mtime:  time.Unix(a.MtimeSec, a.MtimeNsec).UTC(),
		Ctime:  time.Unix(a.CtimeSec, a.CtimeNsec).UTC(),
	}
}

// TimeSpec selects how setattr updates a timestamp field.
type TimeSpec int

const (
	// TimeDontChange leaves the field untouched.
	TimeDontChange TimeSpec = iota
	// TimeServerTime stamps the field with the server's current time.
	TimeServerTime
	// TimeClientTime stamps the field with a client-supplied time.
	TimeClientTime
)

// Sattr is setattr's input: every field is optional, following
// spec.md §4.E's "selectively updates" semantics.
type Sattr struct {
	Mode    *uint32
	Size    *uint64
	AtimeOp TimeSpec
	Atime   time.Time
	MtimeOp TimeSpec
	Mtime   time.Time
}

// Engine reads and mutates entry attributes for one namespace.
type Engine struct {
	store datastore.Store
	tag   namespace.Tag
	now   func() time.Time
}

// New constructs an Engine over store for the given namespace tag.
func New(store datastore.Store, tag namespace.Tag) *Engine {
	return &Engine{store: store, tag: tag, now: func() time.Time { return time.Now().UTC() }}
}

// PathForID resolves a fileid to its path via the id_to_path hash.
// Exported so directory and vfs can resolve a fileid without
// duplicating the lookup.
func (e *Engine) PathForID(ctx context.Context, id uint64) (string, error) {
	return e.pathForID(ctx, id)
}

// pathForID resolves a fileid to its path via the id_to_path hash.
func (e *Engine) pathForID(ctx context.Context, id uint64) (string, error) {
	path, err := e.store.HGet(ctx, e.tag.IDToPath(), strconv.FormatUint(id, 10))
	if err != nil {
		if errors.Is(err, datastore.ErrKeyNotFound) {
			return "", fmt.Errorf("metadata: fileid %d: %w", id, vfserr.ErrNotExist)
		}
		return "", fmt.Errorf("metadata: resolve fileid %d: %w", id, vfserr.ErrIO)
	}
	return path, nil
}

// Getattr implements spec.md §4.E getattr.
func (e *Engine) Getattr(ctx context.Context, id uint64) (Fattr, error) {
	path, err := e.pathForID(ctx, id)
	if err != nil {
		return Fattr{}, err
	}
	attr, err := e.readAttr(ctx, path)
	if err != nil {
		return Fattr{}, err
	}
	return Format(attr), nil
}

// GetattrByPath is the path-addressed counterpart to Getattr, used by
// components that have already resolved a path (directory, vfs).
func (e *Engine) GetattrByPath(ctx context.Context, path string) (Fattr, error) {
	attr, err := e.readAttr(ctx, path)
	if err != nil {
		return Fattr{}, err
	}
	return Format(attr), nil
}

func (e *Engine) readAttr(ctx context.Context, path string) (Attr, error) {
	fields, err := e.store.HGetAll(ctx, e.tag.Meta(path))
	if err != nil {
		return Attr{}, fmt.Errorf("metadata: read %q: %w", path, vfserr.ErrIO)
	}
	if len(fields) == 0 {
		return Attr{}, fmt.Errorf("metadata: %q: %w", path, vfserr.ErrNotExist)
	}
	attr, err := parseAttr(fields)
	if err != nil {
		return Attr{}, fmt.Errorf("metadata: parse %q: %w: %v", path, vfserr.ErrIO, err)
	}
	return attr, nil
}

// Setattr implements spec.md §4.E setattr.
func (e *Engine) Setattr(ctx context.Context, id uint64, s Sattr) (Fattr, error) {
	path, err := e.pathForID(ctx, id)
	if err != nil {
		return Fattr{}, err
	}
	attr, err := e.readAttr(ctx, path)
	if err != nil {
		return Fattr{}, err
	}

	now := e.now()
	if s.Mode != nil {
		attr.Mode = *s.Mode & modeMask
	}
	if s.Size != nil {
		attr.Size = *s.Size
	}
	switch s.AtimeOp {
	case TimeServerTime:
		attr.AtimeSec, attr.AtimeNsec = splitTime(now)
	case TimeClientTime:
		attr.AtimeSec, attr.AtimeNsec = splitTime(s.Atime)
	}
	switch s.MtimeOp {
	case TimeServerTime:
		attr.MtimeSec, attr.MtimeNsec = splitTime(now)
	case TimeClientTime:
		attr.MtimeSec, attr.MtimeNsec = splitTime(s.Mtime)
	}
	attr.CtimeSec, attr.CtimeNsec = splitTime(now)

	if err := e.writeAttr(ctx, path, attr); err != nil {
		return Fattr{}, err
	}
	return Format(attr), nil
}

// writeAttr persists attr as a single multi-field hash update, per
// spec.md §4.E's "atomicity within the datastore's hash semantics".
func (e *Engine) writeAttr(ctx context.Context, path string, attr Attr) error {
	if err := e.store.HSetMultiple(ctx, e.tag.Meta(path), serializeAttr(attr)); err != nil {
		return fmt.Errorf("metadata: write %q: %w", path, vfserr.ErrIO)
	}
	return nil
}

func splitTime(t time.Time) (sec, nsec int64) {
	return t.Unix(), int64(t.Nanosecond())
}

// Now returns the engine's wall clock, exposed so directory stamps
// affected entries with the same instant metadata uses.
func (e *Engine) Now() time.Time { return e.now() }

// CreateEntry writes a brand-new entry's metadata hash and wires it
// into both path↔id maps and the node index. Callers (directory's
// mkdir/create/symlink) are responsible for checking the name does not
// already exist before calling this.
func (e *Engine) CreateEntry(ctx context.Context, path string, attr Attr) error {
	idStr := strconv.FormatUint(attr.FileID, 10)
	if err := e.store.HSetMultiple(ctx, e.tag.Meta(path), serializeAttr(attr)); err != nil {
		return fmt.Errorf("metadata: create %q metadata: %w", path, vfserr.ErrIO)
	}
	if err := e.store.HSet(ctx, e.tag.PathToID(), path, idStr); err != nil {
		return fmt.Errorf("metadata: create %q path_to_id: %w", path, vfserr.ErrIO)
	}
	if err := e.store.HSet(ctx, e.tag.IDToPath(), idStr, path); err != nil {
		return fmt.Errorf("metadata: create %q id_to_path: %w", path, vfserr.ErrIO)
	}
	if err := e.store.ZAdd(ctx, e.tag.Nodes(), path, namespace.Depth(path)); err != nil {
		return fmt.Errorf("metadata: create %q node index: %w", path, vfserr.ErrIO)
	}
	return nil
}

// RemoveEntry deletes path's metadata hash and its entries in both
// path↔id maps and the node index.
func (e *Engine) RemoveEntry(ctx context.Context, path string, fileID uint64) error {
	idStr := strconv.FormatUint(fileID, 10)
	if err := e.store.Delete(ctx, e.tag.Meta(path)); err != nil {
		return fmt.Errorf("metadata: remove %q metadata: %w", path, vfserr.ErrIO)
	}
	if err := e.store.HDel(ctx, e.tag.PathToID(), path); err != nil {
		return fmt.Errorf("metadata: remove %q path_to_id: %w", path, vfserr.ErrIO)
	}
	if err := e.store.HDel(ctx, e.tag.IDToPath(), idStr); err != nil {
		return fmt.Errorf("metadata: remove %q id_to_path: %w", path, vfserr.ErrIO)
	}
	if err := e.store.ZRem(ctx, e.tag.Nodes(), path); err != nil {
		return fmt.Errorf("metadata: remove %q node index: %w", path, vfserr.ErrIO)
	}
	return nil
}

// MoveEntry relocates a single entry (not its descendants) from
// oldPath to newPath: the metadata hash key, both path↔id map entries,
// and the node-index score all move together. Directory's rename
// calls this once per affected path (the renamed entry, then each
// descendant with its prefix substituted).
func (e *Engine) MoveEntry(ctx context.Context, oldPath, newPath string, fileID uint64) error {
	idStr := strconv.FormatUint(fileID, 10)
	if err := e.store.Rename(ctx, e.tag.Meta(oldPath), e.tag.Meta(newPath)); err != nil {
		return fmt.Errorf("metadata: move %q metadata: %w", oldPath, vfserr.ErrIO)
	}
	if err := e.store.HDel(ctx, e.tag.PathToID(), oldPath); err != nil {
		return fmt.Errorf("metadata: move %q path_to_id: %w", oldPath, vfserr.ErrIO)
	}
	if err := e.store.HSet(ctx, e.tag.PathToID(), newPath, idStr); err != nil {
		return fmt.Errorf("metadata: move %q path_to_id: %w", newPath, vfserr.ErrIO)
	}
	if err := e.store.HSet(ctx, e.tag.IDToPath(), idStr, newPath); err != nil {
		return fmt.Errorf("metadata: move %q id_to_path: %w", newPath, vfserr.ErrIO)
	}
	if err := e.store.ZRem(ctx, e.tag.Nodes(), oldPath); err != nil {
		return fmt.Errorf("metadata: move %q node index: %w", oldPath, vfserr.ErrIO)
	}
	if err := e.store.ZAdd(ctx, e.tag.Nodes(), newPath, namespace.Depth(newPath)); err != nil {
		return fmt.Errorf("metadata: move %q node index: %w", newPath, vfserr.ErrIO)
	}
	return nil
}

// TouchTimestamps stamps change/modification/access times on path's
// metadata hash with now, without altering any other field.
func (e *Engine) TouchTimestamps(ctx context.Context, path string, now time.Time, access, modify, change bool) error {
	sec, nsec := splitTime(now)
	fields := map[string]string{}
	if access {
		fields["atime_sec"] = strconv.FormatInt(sec, 10)
		fields["atime_nsec"] = strconv.FormatInt(nsec, 10)
	}
	if modify {
		fields["mtime_sec"] = strconv.FormatInt(sec, 10)
		fields["mtime_nsec"] = strconv.FormatInt(nsec, 10)
	}
	if change {
		fields["ctime_sec"] = strconv.FormatInt(sec, 10)
		fields["ctime_nsec"] = strconv.FormatInt(nsec, 10)
	}
	if len(fields) == 0 {
		return nil
	}
	if err := e.store.HSetMultiple(ctx, e.tag.Meta(path), fields); err != nil {
		return fmt.Errorf("metadata: touch %q: %w", path, vfserr.ErrIO)
	}
	return nil
}

// SetData writes only the metadata hash's `data` field, per spec.md
// §4.G commit algorithm step 4 (a single-field update, separate from
// the timestamp update in step 5 — the two can fail independently).
func (e *Engine) SetData(ctx context.Context, path, data string) error {
	if err := e.store.HSet(ctx, e.tag.Meta(path), "data", data); err != nil {
		return fmt.Errorf("metadata: set data %q: %w", path, vfserr.ErrIO)
	}
	return nil
}

// RawAttr exposes readAttr for directory and vfs, which need the
// unformatted Attr (e.g. FType, SymlinkTarget, Data) rather than the
// protocol-facing Fattr.
func (e *Engine) RawAttr(ctx context.Context, path string) (Attr, error) {
	return e.readAttr(ctx, path)
}

// InitRoot idempotently seeds the namespace root: its metadata, its
// entry in both path↔id maps, its node-index entry, and the fileid
// counter's starting value. Calling it any number of times leaves
// identical state (spec.md invariant 4; supplemented per SPEC_FULL.md
// §4.E, grounded on init_user_directory).
func InitRoot(ctx context.Context, store datastore.Store, tag namespace.Tag, now time.Time) error {
	existing, err := store.HGet(ctx, tag.PathToID(), namespace.Root)
	if err == nil && existing != "" {
		return nil
	}
	if err != nil && !errors.Is(err, datastore.ErrKeyNotFound) {
		return fmt.Errorf("metadata: init root: %w", vfserr.ErrIO)
	}

	sec, nsec := splitTime(now)
	rootAttr := Attr{
		FType:     TypeDir,
		Mode:      0755,
		FileID:    namespace.RootFileID,
		AtimeSec:  sec,
		AtimeNsec: nsec,
		MtimeSec:  sec,
		MtimeNsec: nsec,
		CtimeSec:  sec,
		CtimeNsec: nsec,
	}
	idStr := strconv.FormatUint(namespace.RootFileID, 10)

	if err := store.HSetMultiple(ctx, tag.Meta(namespace.Root), serializeAttr(rootAttr)); err != nil {
		return fmt.Errorf("metadata: init root metadata: %w", vfserr.ErrIO)
	}
	if err := store.HSet(ctx, tag.PathToID(), namespace.Root, idStr); err != nil {
		return fmt.Errorf("metadata: init root path_to_id: %w", vfserr.ErrIO)
	}
	if err := store.HSet(ctx, tag.IDToPath(), idStr, namespace.Root); err != nil {
		return fmt.Errorf("metadata: init root id_to_path: %w", vfserr.ErrIO)
	}
	if err := store.ZAdd(ctx, tag.Nodes(), namespace.Root, namespace.Depth(namespace.Root)); err != nil {
		return fmt.Errorf("metadata: init root node index: %w", vfserr.ErrIO)
	}
	// Seed the counter so the next allocated fileid is RootFileID+1.
	// Incr, not Set: Incr's counter lives in its own key space (see
	// memstore's counter map / boltstore's counters bucket), separate
	// from the string space Set writes to, so seeding has to go through
	// the same primitive AllocateFileID reads with. One Incr here brings
	// the counter to RootFileID; only reached once, since the existence
	// check above short-circuits every later call.
	if _, err := store.Incr(ctx, tag.NextFileID()); err != nil {
		return fmt.Errorf("metadata: init root fileid counter: %w", vfserr.ErrIO)
	}
	return nil
}

// AllocateFileID assigns the next monotonic fileid for the namespace
// (spec.md invariant 3).
func AllocateFileID(ctx context.Context, store datastore.Store, tag namespace.Tag) (uint64, error) {
	next, err := store.Incr(ctx, tag.NextFileID())
	if err != nil {
		return 0, fmt.Errorf("metadata: allocate fileid: %w", vfserr.ErrIO)
	}
	return uint64(next), nil
}

func serializeAttr(a Attr) map[string]string {
	return map[string]string{
		"ftype":          strconv.Itoa(int(a.FType)),
		"size":           strconv.FormatUint(a.Size, 10),
		"mode":           strconv.FormatUint(uint64(a.Mode), 10),
		"fileid":         strconv.FormatUint(a.FileID, 10),
		"atime_sec":      strconv.FormatInt(a.AtimeSec, 10),
		"atime_nsec":     strconv.FormatInt(a.AtimeNsec, 10),
		"mtime_sec":      strconv.FormatInt(a.MtimeSec, 10),
		"mtime_nsec":     strconv.FormatInt(a.MtimeNsec, 10),
		"ctime_sec":      strconv.FormatInt(a.CtimeSec, 10),
		"ctime_nsec":     strconv.FormatInt(a.CtimeNsec, 10),
		"symlink_target": a.SymlinkTarget,
		"data":           a.Data,
	}
}

func parseAttr(fields map[string]string) (Attr, error) {
	var a Attr
	ftype, err := strconv.Atoi(fields["ftype"])
	if err != nil {
		return Attr{}, fmt.Errorf("ftype: %w", err)
	}
	a.FType = FType(ftype)

	a.Size, err = strconv.ParseUint(fields["size"], 10, 64)
	if err != nil {
		return Attr{}, fmt.Errorf("size: %w", err)
	}
	mode, err := strconv.ParseUint(fields["mode"], 10, 32)
	if err != nil {
		return Attr{}, fmt.Errorf("mode: %w", err)
	}
	a.Mode = uint32(mode)
	a.FileID, err = strconv.ParseUint(fields["fileid"], 10, 64)
	if err != nil {
		return Attr{}, fmt.Errorf("fileid: %w", err)
	}
	if a.AtimeSec, err = strconv.ParseInt(fields["atime_sec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("atime_sec: %w", err)
	}
	if a.AtimeNsec, err = strconv.ParseInt(fields["atime_nsec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("atime_nsec: %w", err)
	}
	if a.MtimeSec, err = strconv.ParseInt(fields["mtime_sec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("mtime_sec: %w", err)
	}
	if a.MtimeNsec, err = strconv.ParseInt(fields["mtime_nsec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("mtime_nsec: %w", err)
	}
	if a.CtimeSec, err = strconv.ParseInt(fields["ctime_sec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("ctime_sec: %w", err)
	}
	if a.CtimeNsec, err = strconv.ParseInt(fields["ctime_nsec"], 10, 64); err != nil {
		return Attr{}, fmt.Errorf("ctime_nsec: %w", err)
	}
	a.SymlinkTarget = fields["symlink_target"]
	a.Data = fields["data"]
	return a, nil
}
