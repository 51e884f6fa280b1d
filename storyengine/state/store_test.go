package state

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore() (*Store, *eventbus.InMemoryBus) {
	bus := eventbus.NewInMemoryBus(0)
	return NewStore(bus, nil), bus
}

// changeRecorder collects committed changes across goroutines
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Change, len(r.changes))
	copy(out, r.changes)
	return out
}

// =============================================================================
// READ / WRITE TESTS
// =============================================================================

func TestSetPathCreatesIntermediates(t *testing.T) {
	// SetPath builds missing intermediate maps along the way.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "voting.window.openAt", "t0"))

	v, ok := store.GetPath("voting.window.openAt")
	require.True(t, ok)
	assert.Equal(t, "t0", v)

	window, ok := store.GetPath("voting.window")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"openAt": "t0"}, window)
}

func TestGetPathMissing(t *testing.T) {
	// Missing paths report absence.
	store, _ := newTestStore()

	_, ok := store.GetPath("never.set")
	assert.False(t, ok)
}

func TestGetPathEmptyReturnsRoot(t *testing.T) {
	// The empty path reads the whole root.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "scene.name", "alley"))

	root, ok := store.GetPath("")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"scene": map[string]any{"name": "alley"}}, root)
}

func TestGetPathReturnsDeepCopy(t *testing.T) {
	// Mutating a read result must not leak into the store.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "scene", map[string]any{"name": "alley"}))

	v, _ := store.GetPath("scene")
	v.(map[string]any)["name"] = "mutated"

	fresh, _ := store.GetPath("scene")
	assert.Equal(t, "alley", fresh.(map[string]any)["name"])
}

func TestSetPathThroughNonMapFails(t *testing.T) {
	// Walking through a scalar intermediate is a conflict.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "count", 5))

	err := store.SetPath(ctx, "count.nested", 1)
	var conflict *PathConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "count", conflict.Segment)
}

func TestSetPathEmptyPathInvalid(t *testing.T) {
	// SetPath refuses the empty path; the root is replaced via Restore.
	store, _ := newTestStore()

	err := store.SetPath(context.Background(), "", 1)
	var invalid *InvalidPathError
	assert.ErrorAs(t, err, &invalid)
}

// =============================================================================
// CHANGE EVENT TESTS
// =============================================================================

func TestSetPathEmitsStateChanged(t *testing.T) {
	// Every successful mutation emits state:changed with old/new values.
	store, bus := newTestStore()
	ctx := context.Background()

	var payloads []map[string]any
	bus.Subscribe(eventbus.EventStateChanged, func(ctx context.Context, event *eventbus.Event) error {
		payloads = append(payloads, event.PayloadMap())
		return nil
	})

	require.NoError(t, store.SetPath(ctx, "voting.winner", "noir"))
	require.NoError(t, store.SetPath(ctx, "voting.winner", "fantasy"))

	require.Len(t, payloads, 2)
	assert.Equal(t, "voting.winner", payloads[0]["path"])
	assert.Nil(t, payloads[0]["oldValue"])
	assert.Equal(t, "noir", payloads[0]["newValue"])
	assert.Equal(t, int64(1), payloads[0]["version"])
	assert.Equal(t, "noir", payloads[1]["oldValue"])
	assert.Equal(t, "fantasy", payloads[1]["newValue"])
	assert.Equal(t, int64(2), payloads[1]["version"])
}

func TestVersionIncrementsPerMutation(t *testing.T) {
	// The version counter bumps exactly once per committed mutation.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "a", 1))
	require.NoError(t, store.UpdateState(ctx, "b", map[string]any{"x": 1}))
	require.NoError(t, store.RemovePath(ctx, "a"))

	assert.Equal(t, int64(3), store.Version())
}

// =============================================================================
// MERGE TESTS
// =============================================================================

func TestUpdateStateShallowMerge(t *testing.T) {
	// UpdateState merges keys at the path, leaving untouched keys alone.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "agents.claude", map[string]any{"status": "inactive", "proposals": 3}))
	require.NoError(t, store.UpdateState(ctx, "agents.claude", map[string]any{"status": "active", "lastError": nil}))

	v, _ := store.GetPath("agents.claude")
	m := v.(map[string]any)
	assert.Equal(t, "active", m["status"])
	assert.Equal(t, 3, m["proposals"])
}

func TestUpdateStateCreatesMissingTarget(t *testing.T) {
	// Merging at a missing path creates the map.
	store, _ := newTestStore()

	require.NoError(t, store.UpdateState(context.Background(), "competition.current", map[string]any{"round": 1}))

	v, ok := store.GetPath("competition.current.round")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestUpdateStateOnScalarFails(t *testing.T) {
	// Merging into a non-map value is a conflict.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "count", 5))

	err := store.UpdateState(ctx, "count", map[string]any{"x": 1})
	var conflict *PathConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestUpdateStateEmitsWholeMapChange(t *testing.T) {
	// Merge events carry the pre- and post-merge map values.
	store, bus := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "cfg", map[string]any{"a": 1}))

	var payload map[string]any
	bus.Subscribe(eventbus.EventStateChanged, func(ctx context.Context, event *eventbus.Event) error {
		payload = event.PayloadMap()
		return nil
	})

	require.NoError(t, store.UpdateState(ctx, "cfg", map[string]any{"b": 2}))

	require.NotNil(t, payload)
	assert.Equal(t, map[string]any{"a": 1}, payload["oldValue"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, payload["newValue"])
}

// =============================================================================
// REMOVE TESTS
// =============================================================================

func TestRemovePath(t *testing.T) {
	// RemovePath deletes the leaf and reports nil as the new value.
	store, bus := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "voting.winner", "noir"))

	var payload map[string]any
	bus.Subscribe(eventbus.EventStateChanged, func(ctx context.Context, event *eventbus.Event) error {
		payload = event.PayloadMap()
		return nil
	})

	require.NoError(t, store.RemovePath(ctx, "voting.winner"))

	_, ok := store.GetPath("voting.winner")
	assert.False(t, ok)
	require.NotNil(t, payload)
	assert.Equal(t, "noir", payload["oldValue"])
	assert.Nil(t, payload["newValue"])
}

func TestRemoveMissingPathIsNoOp(t *testing.T) {
	// Removing something absent neither errors nor bumps the version.
	store, _ := newTestStore()

	require.NoError(t, store.RemovePath(context.Background(), "never.was.here"))
	assert.Equal(t, int64(0), store.Version())
}

// =============================================================================
// SNAPSHOT / RESTORE TESTS
// =============================================================================

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	// Restore rewinds data and version to the snapshot point.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "scene.name", "alley"))
	snap := store.Snapshot()
	require.NoError(t, store.SetPath(ctx, "scene.name", "rooftop"))
	require.NoError(t, store.SetPath(ctx, "scene.mood", "tense"))

	store.Restore(snap)

	v, _ := store.GetPath("scene.name")
	assert.Equal(t, "alley", v)
	_, ok := store.GetPath("scene.mood")
	assert.False(t, ok)
	assert.Equal(t, int64(1), store.Version())

	// The store keeps working after a rewind.
	require.NoError(t, store.SetPath(ctx, "scene.mood", "calm"))
	assert.Equal(t, int64(2), store.Version())
}

func TestSnapshotIsolatedFromLaterMutations(t *testing.T) {
	// Snapshots are deep clones, not views.
	store, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.SetPath(ctx, "scene", map[string]any{"name": "alley"}))
	snap := store.Snapshot()
	require.NoError(t, store.SetPath(ctx, "scene.name", "rooftop"))

	assert.Equal(t, "alley", snap.Data["scene"].(map[string]any)["name"])
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestSubscribeChangesPrefixFilter(t *testing.T) {
	// Prefix subscriptions match at dot boundaries only.
	store, _ := newTestStore()
	ctx := context.Background()

	rec := &changeRecorder{}
	store.SubscribeChanges("voting", rec.record)

	require.NoError(t, store.SetPath(ctx, "voting.winner", "noir"))
	require.NoError(t, store.SetPath(ctx, "votingExtra", 1))
	require.NoError(t, store.SetPath(ctx, "agents.claude.status", "active"))
	require.NoError(t, store.SetPath(ctx, "voting", map[string]any{}))

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.Equal(t, "voting.winner", changes[0].Path)
	assert.Equal(t, "voting", changes[1].Path)
}

func TestSubscribeChangesCancel(t *testing.T) {
	// Cancelled change subscriptions see nothing further.
	store, _ := newTestStore()
	ctx := context.Background()

	rec := &changeRecorder{}
	cancel := store.SubscribeChanges("", rec.record)

	require.NoError(t, store.SetPath(ctx, "a", 1))
	cancel()
	require.NoError(t, store.SetPath(ctx, "b", 2))

	assert.Len(t, rec.all(), 1)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentMutationsVersionsStrictlyIncreasing(t *testing.T) {
	// Subscribers observe every version exactly once, in commit order.
	store, _ := newTestStore()
	ctx := context.Background()

	rec := &changeRecorder{}
	store.SubscribeChanges("", rec.record)

	var wg sync.WaitGroup
	goroutines, perGoroutine := 8, 25
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				path := fmt.Sprintf("stress.g%d.i%d", g, i)
				assert.NoError(t, store.SetPath(ctx, path, i))
			}
		}(g)
	}
	wg.Wait()

	total := goroutines * perGoroutine
	assert.Equal(t, int64(total), store.Version())

	changes := rec.all()
	require.Len(t, changes, total)
	for i, c := range changes {
		assert.Equal(t, int64(i+1), c.Version)
	}
}
