package voting

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-adventures/adventure-core/eventbus"
)

// ===== TEST HELPERS =====

func newTestCollector(t *testing.T) (*Collector, *eventbus.InMemoryBus) {
	t.Helper()
	bus := eventbus.NewInMemoryBus(0)
	collector := NewCollector(bus, nil)
	collector.Start(context.Background())
	t.Cleanup(collector.Stop)
	return collector, bus
}

func ballot() []Genre {
	return []Genre{
		{ID: "1", Name: "Cyberpunk Noir"},
		{ID: "2", Name: "High Fantasy"},
		{ID: "3", Name: "Space Western"},
		{ID: "4", Name: "Gothic Horror"},
		{ID: "5", Name: "Solarpunk Utopia"},
	}
}

func cast(t *testing.T, bus eventbus.Bus, userID, genreID string) {
	t.Helper()
	require.NoError(t, bus.Emit(context.Background(), eventbus.EventVoteCast, map[string]any{
		"userId":  userID,
		"genreId": genreID,
		"author":  userID + "-handle",
	}))
}

type eventCollector struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func collect(bus eventbus.Bus, eventType string) *eventCollector {
	c := &eventCollector{}
	bus.Subscribe(eventType, func(_ context.Context, event *eventbus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, event.PayloadMap())
		return nil
	})
	return c
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *eventCollector) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

// ===== WINDOW LIFECYCLE =====

// Five audience members, three of them behind Cyberpunk Noir.
func TestWindowTallyAndWinner(t *testing.T) {
	collector, bus := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	cast(t, bus, "u1", "1")
	cast(t, bus, "u2", "1")
	cast(t, bus, "u3", "2")
	cast(t, bus, "u4", "3")
	cast(t, bus, "u5", "1")

	result, err := collector.Close(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "1", result.Winner.GenreID)
	assert.Equal(t, "Cyberpunk Noir", result.Winner.Name)
	assert.Equal(t, 3, result.Winner.Votes)
	assert.Equal(t, 5, result.TotalVotes)
	assert.Equal(t, 1, result.Tally["2"].Votes)
	assert.Equal(t, 1, result.Tally["3"].Votes)
	assert.Equal(t, 0, result.Tally["4"].Votes)
}

// Closing announces the result on voting:complete.
func TestCloseEmitsVotingComplete(t *testing.T) {
	collector, bus := newTestCollector(t)
	done := collect(bus, eventbus.EventVotingDone)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))
	cast(t, bus, "u1", "2")

	_, err := collector.Close(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, done.count())
	payload := done.last()
	winner := payload["winner"].(map[string]any)
	assert.Equal(t, "2", winner["genreId"])
	assert.Equal(t, 1, payload["totalVotes"])
	tally := payload["tally"].(map[string]any)
	assert.Len(t, tally, 5)
}

// The window timer resolves voting without an explicit Close.
func TestWindowTimerCloses(t *testing.T) {
	collector, bus := newTestCollector(t)
	done := collect(bus, eventbus.EventVotingDone)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), 40*time.Millisecond))
	cast(t, bus, "u1", "3")

	require.Eventually(t, func() bool { return done.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, collector.Active())
	winner := done.last()["winner"].(map[string]any)
	assert.Equal(t, "3", winner["genreId"])
}

// Only one window may be open at a time.
func TestStartWhileActiveFails(t *testing.T) {
	collector, _ := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	err := collector.StartVoting(ctx, ballot(), time.Minute)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "already open")
}

// ===== VOTE SEMANTICS =====

// A changed vote leaves the old genre and counts for the new one.
func TestRevoteMovesCount(t *testing.T) {
	collector, bus := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	cast(t, bus, "u1", "1")
	cast(t, bus, "u1", "2")

	tally := collector.Tally()
	assert.Equal(t, 0, tally["1"].Votes)
	assert.Empty(t, tally["1"].Voters)
	assert.Equal(t, 1, tally["2"].Votes)
	require.Len(t, tally["2"].Voters, 1)
	assert.Equal(t, "u1", tally["2"].Voters[0].UserID)
}

// Re-casting the same choice changes nothing but is still accepted.
func TestSameGenreRevoteIsIdempotent(t *testing.T) {
	collector, bus := newTestCollector(t)
	received := collect(bus, eventbus.EventVoteReceived)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	cast(t, bus, "u1", "1")
	cast(t, bus, "u1", "1")

	assert.Equal(t, 2, received.count())
	tally := collector.Tally()
	assert.Equal(t, 1, tally["1"].Votes)
	assert.Len(t, tally["1"].Voters, 1)
}

// Votes for genres that are not on the ballot bounce.
func TestUnknownGenreRejected(t *testing.T) {
	collector, bus := newTestCollector(t)
	rejected := collect(bus, eventbus.EventVoteRejected)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	cast(t, bus, "u1", "99")

	require.Equal(t, 1, rejected.count())
	assert.Equal(t, "unknown genre", rejected.last()["reason"])
	assert.Equal(t, 0, collector.Tally()["1"].Votes)
}

// Votes after the window closes bounce with a reason.
func TestLateVotesRejected(t *testing.T) {
	collector, bus := newTestCollector(t)
	rejected := collect(bus, eventbus.EventVoteRejected)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))
	_, err := collector.Close(ctx)
	require.NoError(t, err)

	cast(t, bus, "u1", "1")

	require.Equal(t, 1, rejected.count())
	assert.Equal(t, "voting closed", rejected.last()["reason"])
}

// ===== TIE-BREAKS =====

// Equal counts go to the genre whose first vote arrived earlier.
func TestTieBreaksByEarliestFirstVote(t *testing.T) {
	collector, bus := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	cast(t, bus, "u1", "4")
	cast(t, bus, "u2", "2")

	result, err := collector.Close(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "4", result.Winner.GenreID)
}

// With no votes at all every genre ties at zero and the ballot order
// decides.
func TestTieAtZeroFallsToBallotOrder(t *testing.T) {
	collector, _ := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	result, err := collector.Close(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "1", result.Winner.GenreID)
	assert.Equal(t, 0, result.Winner.Votes)
	assert.Equal(t, 0, result.TotalVotes)
}

// ===== ISOLATION AND INVARIANTS =====

// Tally snapshots are copies; callers cannot reach the live counts.
func TestTallyReturnsCopies(t *testing.T) {
	collector, bus := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))
	cast(t, bus, "u1", "1")

	snapshot := collector.Tally()
	entry := snapshot["1"]
	entry.Votes = 99
	entry.Voters[0].UserID = "intruder"
	snapshot["1"] = entry

	fresh := collector.Tally()
	assert.Equal(t, 1, fresh["1"].Votes)
	assert.Equal(t, "u1", fresh["1"].Voters[0].UserID)
}

// However votes interleave and move, the counts always sum to the
// number of distinct voters.
func TestInterleavedVotesSumToDistinctVoters(t *testing.T) {
	collector, bus := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, collector.StartVoting(ctx, ballot(), time.Minute))

	rng := rand.New(rand.NewSource(7))
	users := make(map[string]bool)
	for i := 0; i < 200; i++ {
		userID := fmt.Sprintf("u%d", rng.Intn(40))
		genreID := fmt.Sprintf("%d", 1+rng.Intn(5))
		users[userID] = true
		cast(t, bus, userID, genreID)
	}

	result, err := collector.Close(ctx)
	require.NoError(t, err)

	sum := 0
	for _, entry := range result.Tally {
		sum += entry.Votes
		assert.Len(t, entry.Voters, entry.Votes)
	}
	assert.Equal(t, len(users), sum)
	assert.Equal(t, len(users), result.TotalVotes)
}
