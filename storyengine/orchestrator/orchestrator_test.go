package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/dag"
)

// ===== TEST HELPERS =====

func newTestManager(t *testing.T, opts ...Option) (*Manager, *eventbus.InMemoryBus) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(0)
	return NewManager(bus, nil, nil, opts...), bus
}

func singleStageConfig(id string) *dag.Config {
	return &dag.Config{ID: id, Stages: []*dag.Stage{{ID: "only", Type: "noop"}}}
}

func awaitResult(t *testing.T, adventure *Adventure) Result {
	t.Helper()
	select {
	case result := <-adventure.Done:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("adventure did not finish")
		return Result{}
	}
}

// ===== HANDLER RESOLUTION =====

// An explicit per-id handler wins over the type factory.
func TestStageHandlerWinsOverTypeFactory(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterTypeHandler("work", func(*dag.Stage) dag.StageHandler {
		return func(context.Context, *dag.HandlerContext) (map[string]any, error) {
			return map[string]any{"via": "factory"}, nil
		}
	})
	m.RegisterStageHandler("only", func(context.Context, *dag.HandlerContext) (map[string]any, error) {
		return map[string]any{"via": "stage"}, nil
	})

	adventure, err := m.StartAdventure(context.Background(),
		&dag.Config{ID: "precedence", Stages: []*dag.Stage{{ID: "only", Type: "work"}}}, StartOptions{})
	require.NoError(t, err)

	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)
	assert.Equal(t, "stage", result.Results["only"]["via"])
}

// A stage with no handler at all resolves through the default no-op.
func TestUnhandledStageSkips(t *testing.T) {
	m, _ := newTestManager(t)

	adventure, err := m.StartAdventure(context.Background(), singleStageConfig("defaulted"), StartOptions{})
	require.NoError(t, err)

	result := awaitResult(t, adventure)
	require.NoError(t, result.Err)
	assert.Equal(t, true, result.Results["only"]["skipped"])
}

// ===== LIFECYCLE =====

// Starting an id that is already running fails.
func TestOneActiveAdventurePerID(t *testing.T) {
	m, _ := newTestManager(t)
	release := make(chan struct{})
	m.RegisterStageHandler("only", func(ctx context.Context, _ *dag.HandlerContext) (map[string]any, error) {
		<-release
		return nil, nil
	})

	adventure, err := m.StartAdventure(context.Background(), singleStageConfig("solo"), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, m.ActiveAdventures())

	_, err = m.StartAdventure(context.Background(), singleStageConfig("solo"), StartOptions{})
	var active *AdventureActiveError
	require.ErrorAs(t, err, &active)
	assert.Equal(t, "solo", active.AdventureID)

	close(release)
	awaitResult(t, adventure)
	assert.Empty(t, m.ActiveAdventures())
}

// A finished id needs AutoReset to run again.
func TestAutoResetAllowsRerun(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.StartAdventure(context.Background(), singleStageConfig("rerun"), StartOptions{})
	require.NoError(t, err)
	awaitResult(t, first)

	_, err = m.StartAdventure(context.Background(), singleStageConfig("rerun"), StartOptions{})
	require.Error(t, err)

	second, err := m.StartAdventure(context.Background(), singleStageConfig("rerun"), StartOptions{AutoReset: true})
	require.NoError(t, err)
	result := awaitResult(t, second)
	assert.NoError(t, result.Err)
}

// Shutdown rejects new starts and, when asked, waits for in-flight
// runs.
func TestShutdownWaitsForCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterStageHandler("only", func(ctx context.Context, _ *dag.HandlerContext) (map[string]any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})

	_, err := m.StartAdventure(context.Background(), singleStageConfig("draining"), StartOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background(), true))
	assert.Empty(t, m.ActiveAdventures())

	_, err = m.StartAdventure(context.Background(), singleStageConfig("late"), StartOptions{})
	var shuttingDown *ShuttingDownError
	assert.ErrorAs(t, err, &shuttingDown)
}

// ===== CONFIG RESOLUTION =====

// A name resolves against the adventure directory and the filename
// stem becomes the id when the file carries none.
func TestNameResolvesAgainstAdventureDir(t *testing.T) {
	dir := t.TempDir()
	configJSON := `{"stages": [{"id": "only", "type": "noop"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tour.json"), []byte(configJSON), 0o644))

	m, _ := newTestManager(t, WithAdventureDir(dir))
	m.RegisterTypeHandler("noop", NoopHandler())

	adventure, err := m.StartAdventure(context.Background(), "tour", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tour", adventure.ID)
	result := awaitResult(t, adventure)
	assert.NoError(t, result.Err)
}

// An unknown name is a typed error.
func TestUnknownNameFails(t *testing.T) {
	m, _ := newTestManager(t, WithAdventureDir(t.TempDir()))

	_, err := m.StartAdventure(context.Background(), "missing", StartOptions{})
	var unknown *UnknownAdventureError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Name)
}

// An installed name resolver is consulted before the directory.
func TestNameResolverWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom-location.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"resolved","stages":[]}`), 0o644))

	m, _ := newTestManager(t, WithNameResolver(func(name string) (string, bool) {
		if name == "aliased" {
			return path, true
		}
		return "", false
	}))

	adventure, err := m.StartAdventure(context.Background(), "aliased", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "resolved", adventure.ID)
	awaitResult(t, adventure)
}

// An invalid graph fails at start without launching anything.
func TestInvalidConfigRejected(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := &dag.Config{ID: "bad", Stages: []*dag.Stage{
		{ID: "a", Type: "noop", DependsOn: []string{"ghost"}},
	}}

	_, err := m.StartAdventure(context.Background(), cfg, StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
	assert.Empty(t, m.ActiveAdventures())
}
