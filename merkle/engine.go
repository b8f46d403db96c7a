// Package merkle implements the time-windowed Merkle audit engine
// (component I): an append-only, tamper-evident log of filesystem
// mutation events that never re-hashes historical data. It implements
// the audit.Sink capability so it can sit directly behind an
// audit.Mailbox.
//
// Behavior is grounded on original_source/src/audit_adapters/merkle_tree.rs:
// leaves are keyed "leaf:<micros>:<hex-prefix>" for lexicographic time
// ordering, rotation folds the current window bottom-up (promoting a
// lone trailing node rather than duplicating it), and the root of a
// rotated window is stored as a full nested tree so a later verifier
// can re-walk it without a separate leaf index.
package merkle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shardfs/shardfs/audit"
	"github.com/shardfs/shardfs/datastore"
	"github.com/shardfs/shardfs/internal/xlog"
)

// ErrRootNotFound is returned when no window rotated at the requested
// start time.
var ErrRootNotFound = errors.New("merkle: historical root not found")

// Options configures a window's lifecycle.
type Options struct {
	// WindowDuration is the fixed duration of the half-open time
	// window before it rotates. Defaults to 24h per spec.md §3.
	WindowDuration time.Duration
}

// DefaultOptions returns spec.md's default 24-hour window.
func DefaultOptions() Options {
	return Options{WindowDuration: 24 * time.Hour}
}

// Metrics are the prometheus instruments the engine updates. Pass a
// dedicated prometheus.Registerer (not the global one) so multiple
// Engines in the same test binary don't collide on metric names.
type Metrics struct {
	eventsTotal    *prometheus.CounterVec
	rotationsTotal prometheus.Counter
}

// NewMetrics registers the engine's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shardfs_audit_events_total",
			Help: "Mutation audit events inserted into the Merkle log, by type.",
		}, []string{"event_type"}),
		rotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "shardfs_audit_window_rotations_total",
			Help: "Merkle audit window rotations performed.",
		}),
	}
}

// Engine is the time-windowed Merkle audit log. It implements
// audit.Sink.
type Engine struct {
	store     datastore.Store
	keyPrefix string
	opts      Options
	hasher    *poseidonHasher
	metrics   *Metrics

	mu          sync.Mutex
	windowStart time.Time
	now         func() time.Time
}

// New constructs an Engine. keyPrefix should be unique per deployment
// (e.g. a namespace hash tag) since all four logical column families
// are addressed underneath it.
func New(store datastore.Store, keyPrefix string, opts Options, metrics *Metrics) *Engine {
	if opts.WindowDuration <= 0 {
		opts.WindowDuration = 24 * time.Hour
	}
	return &Engine{
		store:       store,
		keyPrefix:   keyPrefix,
		opts:        opts,
		hasher:      newPoseidonHasher(),
		metrics:     metrics,
		windowStart: time.Now().UTC(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) currentTreeKey() string    { return e.keyPrefix + "merkle:current_tree" }
func (e *Engine) historicalRootsKey() string { return e.keyPrefix + "merkle:historical_roots" }

// eventRecord is the canonical byte encoding of an audit.Event, hashed
// as the Merkle leaf's event_data.
type eventRecord struct {
	CreatedAtUnixNano int64  `json:"created_at_unix_nano"`
	Type              string `json:"type"`
	FilePath          string `json:"file_path"`
	EventKey          string `json:"event_key"`
}

// ProcessEvent implements audit.Sink by inserting ev as a new Merkle
// leaf, rotating the current window first if it has expired.
func (e *Engine) ProcessEvent(ctx context.Context, ev audit.Event) error {
	rec := eventRecord{
		CreatedAtUnixNano: ev.CreatedAt.UnixNano(),
		Type:              ev.Type.String(),
		FilePath:          ev.FilePath,
		EventKey:          ev.EventKey,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("merkle: encode event: %w", err)
	}
	if err := e.InsertEvent(ctx, data); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(ev.Type.String()).Inc()
	}
	return nil
}

// Shutdown is a no-op: the Engine does not own the underlying store's
// lifecycle.
func (e *Engine) Shutdown(_ context.Context) error { return nil }

// InsertEvent appends a leaf for the given raw bytes, rotating the
// window first if its duration has elapsed. Exported separately from
// ProcessEvent so tests and command-line tools can audit arbitrary
// byte payloads, not only audit.Events.
func (e *Engine) InsertEvent(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if now.Sub(e.windowStart) >= e.opts.WindowDuration {
		if err := e.rotateWindowLocked(ctx, now); err != nil {
			return err
		}
	}

	ts := now.UnixMicro()
	leaf := e.hasher.newLeaf(data, ts)
	blob, err := json.Marshal(leaf)
	if err != nil {
		return fmt.Errorf("merkle: encode leaf: %w", err)
	}
	key := leafKey(ts, leaf.Hash)
	if err := e.store.HSet(ctx, e.currentTreeKey(), key, string(blob)); err != nil {
		return fmt.Errorf("merkle: store leaf: %w", err)
	}
	return nil
}

func leafKey(timestampMicros int64, hash []byte) string {
	// Zero-padded to 20 digits so lexicographic and numeric ordering
	// agree for any non-negative microsecond timestamp.
	prefix := hash
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("leaf:%020d:%s", timestampMicros, hex.EncodeToString(prefix))
}

// RotateWindow forces a rotation of the current window regardless of
// elapsed time. Exported for tests and for an operator-triggered
// flush.
func (e *Engine) RotateWindow(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rotateWindowLocked(ctx, e.now())
}

// rotateWindowLocked must be called with mu held.
func (e *Engine) rotateWindowLocked(ctx context.Context, now time.Time) error {
	leaves, err := e.currentLeavesLocked(ctx)
	if err != nil {
		return err
	}
	windowStart := e.windowStart
	e.windowStart = now
	if len(leaves) == 0 {
		// Nothing accumulated this window; advance the clock and leave
		// no historical_roots entry. Retry-safe: if this process
		// crashes before the clock advance is observed elsewhere, the
		// next rotation still produces the same (empty) result.
		return nil
	}

	root := e.hasher.buildTree(leaves)
	blob, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("merkle: encode root: %w", err)
	}
	windowKey := fmt.Sprintf("window:%d", windowStart.Unix())
	if err := e.store.HSet(ctx, e.historicalRootsKey(), windowKey, string(blob)); err != nil {
		return fmt.Errorf("merkle: store historical root: %w", err)
	}
	if err := e.store.Delete(ctx, e.currentTreeKey()); err != nil {
		return fmt.Errorf("merkle: clear current tree: %w", err)
	}
	if e.metrics != nil {
		e.metrics.rotationsTotal.Inc()
	}
	xlog.Component("merkle").Debug().
		Str("window_key", windowKey).
		Int("leaf_count", len(leaves)).
		Msg("rotated audit window")
	return nil
}

// currentLeavesLocked reads every leaf of the current window in
// ascending key order (spec.md §4.I step 1 of rotate_window).
func (e *Engine) currentLeavesLocked(ctx context.Context) ([]*Node, error) {
	all, err := e.store.HGetAll(ctx, e.currentTreeKey())
	if err != nil {
		return nil, fmt.Errorf("merkle: read current tree: %w", err)
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]*Node, 0, len(keys))
	for _, k := range keys {
		var n Node
		if err := json.Unmarshal([]byte(all[k]), &n); err != nil {
			return nil, fmt.Errorf("merkle: decode leaf %q: %w", k, err)
		}
		leaves = append(leaves, &n)
	}
	return leaves, nil
}

// HistoricalRoot fetches the full stored tree for the window that
// started at windowStartUnixSec.
func (e *Engine) HistoricalRoot(ctx context.Context, windowStartUnixSec int64) (*Node, error) {
	key := fmt.Sprintf("window:%d", windowStartUnixSec)
	blob, err := e.store.HGet(ctx, e.historicalRootsKey(), key)
	if err != nil {
		if errors.Is(err, datastore.ErrKeyNotFound) {
			return nil, fmt.Errorf("merkle: %w: no root for %s", ErrRootNotFound, key)
		}
		return nil, fmt.Errorf("merkle: read historical root: %w", err)
	}
	var n Node
	if err := json.Unmarshal([]byte(blob), &n); err != nil {
		return nil, fmt.Errorf("merkle: decode historical root: %w", err)
	}
	return &n, nil
}

// VerifyHistoricalRoot recomputes a window's root by re-walking its
// stored leaves (spec.md invariant 7) and reports whether the
// recomputed hash matches the stored one.
func (e *Engine) VerifyHistoricalRoot(ctx context.Context, windowStartUnixSec int64) (bool, error) {
	root, err := e.HistoricalRoot(ctx, windowStartUnixSec)
	if err != nil {
		return false, err
	}
	leaves := collectLeaves(root, nil)
	recomputed := e.hasher.buildTree(leaves)
	if recomputed == nil {
		return false, nil
	}
	return string(recomputed.Hash) == string(root.Hash), nil
}

// collectLeaves performs a left-to-right traversal collecting every
// leaf (a node with no children), which recovers the original
// insertion order since internal nodes are built pairwise over that
// same order.
func collectLeaves(n *Node, acc []*Node) []*Node {
	if n == nil {
		return acc
	}
	if n.Left == nil && n.Right == nil {
		return append(acc, n)
	}
	acc = collectLeaves(n.Left, acc)
	acc = collectLeaves(n.Right, acc)
	return acc
}
