// Package state provides the hierarchical story state store.
//
// The store is a rooted map addressable by dot paths (`voting.genres`,
// `agents.claude.status`). Every successful mutation bumps a version
// counter and emits `state:changed {path, oldValue, newValue, version}` on
// the bus, delivered in commit order with strictly increasing versions.
// Reads return deep copies.
//
// Change handlers may read the store but must not mutate it synchronously:
// mutation emission waits for all earlier versions to finish delivering.
package state

import (
	"context"
	"strings"
	"sync"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// Change is a single committed mutation as seen by subscribers.
type Change struct {
	Path     string
	OldValue any
	NewValue any
	Version  int64
}

// Snapshot is a point-in-time deep clone of the store.
type Snapshot struct {
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

// Store is the hierarchical story state.
type Store struct {
	bus    eventbus.Bus
	logger eventbus.Logger

	mu      sync.RWMutex
	root    map[string]any
	version int64

	// Emission turnstile: version v emits only after v-1 has been delivered.
	emitMu      sync.Mutex
	emitCond    *sync.Cond
	lastEmitted int64
}

// NewStore creates an empty store publishing changes on the given bus.
func NewStore(bus eventbus.Bus, logger eventbus.Logger) *Store {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	s := &Store{
		bus:    bus,
		logger: logger.Bind("component", "state"),
		root:   make(map[string]any),
	}
	s.emitCond = sync.NewCond(&s.emitMu)
	return s
}

// Version returns the current version counter.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// =============================================================================
// READS
// =============================================================================

// GetPath returns a deep copy of the value at path. The empty path returns
// the full root.
func (s *Store) GetPath(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		return typeutil.DeepCopyMap(s.root), true
	}
	v, ok := typeutil.GetNestedValue(s.root, path)
	if !ok {
		return nil, false
	}
	return typeutil.DeepCopyValue(v), true
}

// Snapshot returns a point-in-time deep clone with its version.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Version: s.version,
		Data:    typeutil.DeepCopyMap(s.root),
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// SetPath writes a deep copy of value at path, creating intermediate maps.
// Setting through a non-map intermediate fails with PathConflictError.
func (s *Store) SetPath(ctx context.Context, path string, value any) error {
	segments := typeutil.SplitPath(path)
	if len(segments) == 0 {
		return NewInvalidPathError(path)
	}

	s.mu.Lock()
	target, err := s.walkTo(path, segments[:len(segments)-1], true)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	leaf := segments[len(segments)-1]
	oldValue := typeutil.DeepCopyValue(target[leaf])
	newValue := typeutil.DeepCopyValue(value)
	target[leaf] = newValue
	s.version++
	version := s.version
	s.mu.Unlock()

	s.emitChanged(ctx, version, path, oldValue, typeutil.DeepCopyValue(newValue))
	return nil
}

// UpdateState shallow-merges patch into the map at path, creating it when
// missing. The empty path merges into the root.
func (s *Store) UpdateState(ctx context.Context, path string, patch map[string]any) error {
	segments := typeutil.SplitPath(path)

	s.mu.Lock()
	var target map[string]any
	if len(segments) == 0 {
		target = s.root
	} else {
		parent, err := s.walkTo(path, segments[:len(segments)-1], true)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		leaf := segments[len(segments)-1]
		existing, present := parent[leaf]
		if !present {
			target = make(map[string]any)
			parent[leaf] = target
		} else {
			m, ok := existing.(map[string]any)
			if !ok {
				s.mu.Unlock()
				return NewPathConflictError(path, leaf)
			}
			target = m
		}
	}

	oldValue := typeutil.DeepCopyMap(target)
	for k, v := range patch {
		target[k] = typeutil.DeepCopyValue(v)
	}
	newValue := typeutil.DeepCopyMap(target)
	s.version++
	version := s.version
	s.mu.Unlock()

	s.emitChanged(ctx, version, path, oldValue, newValue)
	return nil
}

// RemovePath deletes the value at path. Removing a missing path is a no-op
// with no version bump.
func (s *Store) RemovePath(ctx context.Context, path string) error {
	segments := typeutil.SplitPath(path)
	if len(segments) == 0 {
		return NewInvalidPathError(path)
	}

	s.mu.Lock()
	target, err := s.walkTo(path, segments[:len(segments)-1], false)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	leaf := segments[len(segments)-1]
	if target == nil {
		s.mu.Unlock()
		return nil
	}
	oldValue, present := target[leaf]
	if !present {
		s.mu.Unlock()
		return nil
	}
	oldCopy := typeutil.DeepCopyValue(oldValue)
	delete(target, leaf)
	s.version++
	version := s.version
	s.mu.Unlock()

	s.emitChanged(ctx, version, path, oldCopy, nil)
	return nil
}

// Restore replaces the root and version from a snapshot. No change event is
// emitted: restoring may rewind the version counter, and subscribers rely
// on strictly increasing versions. Restore expects a quiescent store.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.root = typeutil.DeepCopyMap(snap.Data)
	if s.root == nil {
		s.root = make(map[string]any)
	}
	s.version = snap.Version
	s.mu.Unlock()

	s.emitMu.Lock()
	s.lastEmitted = snap.Version
	s.emitMu.Unlock()

	s.logger.Info("state_restored", "version", snap.Version)
}

// =============================================================================
// CHANGE SUBSCRIPTION
// =============================================================================

// SubscribeChanges delivers committed mutations under pathPrefix. The empty
// prefix matches everything; otherwise the change path must equal the
// prefix or extend it at a dot boundary.
func (s *Store) SubscribeChanges(pathPrefix string, handler func(Change)) func() {
	return s.bus.Subscribe(eventbus.EventStateChanged, func(ctx context.Context, event *eventbus.Event) error {
		payload := event.PayloadMap()
		handler(Change{
			Path:     typeutil.SafeStringDefault(payload["path"], ""),
			OldValue: payload["oldValue"],
			NewValue: payload["newValue"],
			Version:  int64(typeutil.SafeIntDefault(payload["version"], 0)),
		})
		return nil
	}, eventbus.WithFilter(func(event *eventbus.Event) bool {
		path := typeutil.SafeStringDefault(event.PayloadMap()["path"], "")
		return pathWithinPrefix(path, pathPrefix)
	}))
}

// pathWithinPrefix reports whether path falls under a dot-path prefix.
func pathWithinPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+".")
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// walkTo returns the map holding the final path segment. With create set it
// builds missing intermediates; otherwise a missing intermediate returns
// nil. Caller holds the write lock.
func (s *Store) walkTo(fullPath string, intermediates []string, create bool) (map[string]any, error) {
	current := s.root
	for _, seg := range intermediates {
		child, present := current[seg]
		if !present {
			if !create {
				return nil, nil
			}
			next := make(map[string]any)
			current[seg] = next
			current = next
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			if !create {
				return nil, nil
			}
			return nil, NewPathConflictError(fullPath, seg)
		}
		current = m
	}
	return current, nil
}

// emitChanged publishes state:changed for a committed version, waiting its
// turn so subscribers observe versions in commit order.
func (s *Store) emitChanged(ctx context.Context, version int64, path string, oldValue, newValue any) {
	s.emitMu.Lock()
	for s.lastEmitted != version-1 {
		s.emitCond.Wait()
	}
	s.emitMu.Unlock()

	event := eventbus.NewEventFrom("state", eventbus.EventStateChanged, map[string]any{
		"path":     path,
		"oldValue": oldValue,
		"newValue": newValue,
		"version":  version,
	})
	if err := s.bus.EmitEvent(ctx, event); err != nil {
		s.logger.Warning("state_change_delivery_failed", "path", path, "version", version, "error", err.Error())
	}

	s.emitMu.Lock()
	s.lastEmitted = version
	s.emitCond.Broadcast()
	s.emitMu.Unlock()
}
