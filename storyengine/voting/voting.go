// Package voting collects audience genre votes for one voting window
// at a time and resolves the winning genre.
package voting

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/agent-adventures/adventure-core/eventbus"
	"github.com/agent-adventures/adventure-core/storyengine/observability"
	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// DefaultVoteWindow bounds windows opened without a duration.
const DefaultVoteWindow = 45 * time.Second

// Genre is one audience choice on the ballot.
type Genre struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Voter identifies who is behind a counted vote.
type Voter struct {
	UserID string `json:"userId"`
	Author string `json:"author,omitempty"`
}

// Vote is one user's current choice. A later cast replaces it.
type Vote struct {
	UserID     string    `json:"userId"`
	GenreID    string    `json:"genreId"`
	Author     string    `json:"author,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// GenreTally is the running count for one genre.
type GenreTally struct {
	GenreID string  `json:"genreId"`
	Name    string  `json:"name"`
	Votes   int     `json:"votes"`
	Voters  []Voter `json:"voters"`
}

// Result is the outcome of a closed window.
type Result struct {
	Winner     *GenreTally           `json:"winner"`
	TotalVotes int                   `json:"totalVotes"`
	Tally      map[string]GenreTally `json:"tally"`
	ClosedAt   time.Time             `json:"closedAt"`
}

// Collector runs voting windows over the bus. One window is active at
// a time; casts outside a window are rejected.
type Collector struct {
	bus    eventbus.Bus
	logger eventbus.Logger

	mu          sync.Mutex
	window      *window
	unsubscribe func()
}

type window struct {
	genres  []Genre
	order   map[string]int // genreID -> ballot position
	tally   map[string]*GenreTally
	votes   map[string]*Vote // by userID
	firstAt map[string]int   // genreID -> sequence of its first vote
	seq     int
	openAt  time.Time
	closeAt time.Time
	timer   *time.Timer
}

// NewCollector creates a vote collector.
func NewCollector(bus eventbus.Bus, logger eventbus.Logger) *Collector {
	if logger == nil {
		logger = eventbus.NopLogger{}
	}
	return &Collector{
		bus:    bus,
		logger: logger.Bind("component", "voting"),
	}
}

// Start subscribes to vote:cast.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return
	}
	c.unsubscribe = c.bus.Subscribe(eventbus.EventVoteCast, c.handleCast)
}

// Stop unsubscribes and discards any active window without resolving
// it.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.window != nil && c.window.timer != nil {
		c.window.timer.Stop()
	}
	c.window = nil
}

// StartVoting opens a window over the given ballot. A non-positive
// duration falls back to the default. Fails while a window is active.
func (c *Collector) StartVoting(ctx context.Context, genres []Genre, voteWindow time.Duration) error {
	if len(genres) == 0 {
		return errors.New("voting needs at least one genre")
	}
	if voteWindow <= 0 {
		voteWindow = DefaultVoteWindow
	}

	now := time.Now()
	w := &window{
		genres:  append([]Genre(nil), genres...),
		order:   make(map[string]int, len(genres)),
		tally:   make(map[string]*GenreTally, len(genres)),
		votes:   make(map[string]*Vote),
		firstAt: make(map[string]int, len(genres)),
		openAt:  now,
		closeAt: now.Add(voteWindow),
	}
	for i, g := range genres {
		if _, dup := w.order[g.ID]; dup {
			return errors.New("duplicate genre id on the ballot: " + g.ID)
		}
		w.order[g.ID] = i
		w.tally[g.ID] = &GenreTally{GenreID: g.ID, Name: g.Name}
	}

	c.mu.Lock()
	if c.window != nil {
		c.mu.Unlock()
		return errors.New("a voting window is already open")
	}
	w.timer = time.AfterFunc(voteWindow, func() { c.close(ctx, "window_elapsed") })
	c.window = w
	c.mu.Unlock()

	ballot := make([]map[string]any, 0, len(genres))
	for _, g := range genres {
		entry := map[string]any{"id": g.ID, "name": g.Name}
		if g.Description != "" {
			entry["description"] = g.Description
		}
		ballot = append(ballot, entry)
	}
	c.logger.Info("voting_started", "genres", len(genres), "windowMs", voteWindow.Milliseconds())
	c.emit(ctx, eventbus.EventVotingStarted, map[string]any{
		"genres":   ballot,
		"opensAt":  w.openAt.Format(time.RFC3339Nano),
		"closesAt": w.closeAt.Format(time.RFC3339Nano),
	})
	return nil
}

// Close resolves the active window early and returns its result.
func (c *Collector) Close(ctx context.Context) (*Result, error) {
	return c.close(ctx, "stopped")
}

// Active reports whether a window is open.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window != nil
}

// Tally returns a copy of the running counts keyed by genre id.
func (c *Collector) Tally() map[string]GenreTally {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window == nil {
		return nil
	}
	return c.window.tallyCopy()
}

// Winner returns the current leader under the full tie-break chain:
// highest count, then earliest first vote, then ballot order.
func (c *Collector) Winner() (GenreTally, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window == nil {
		return GenreTally{}, false
	}
	leader := c.window.leader()
	if leader == nil {
		return GenreTally{}, false
	}
	return copyTally(leader), true
}

// handleCast applies one vote:cast payload to the active window.
func (c *Collector) handleCast(ctx context.Context, event *eventbus.Event) error {
	payload := event.PayloadMap()
	userID, _ := typeutil.SafeString(payload["userId"])
	genreID, _ := typeutil.SafeString(payload["genreId"])
	author := typeutil.SafeStringDefault(payload["author"], "")

	reject := func(reason string) {
		observability.RecordVote("rejected")
		c.logger.Debug("vote_rejected", "userId", userID, "genreId", genreID, "reason", reason)
		c.emit(ctx, eventbus.EventVoteRejected, map[string]any{
			"userId":  userID,
			"genreId": genreID,
			"reason":  reason,
		})
	}

	if userID == "" {
		reject("missing userId")
		return nil
	}

	c.mu.Lock()
	w := c.window
	if w == nil {
		c.mu.Unlock()
		reject("voting closed")
		return nil
	}
	entry, known := w.tally[genreID]
	if !known {
		c.mu.Unlock()
		reject("unknown genre")
		return nil
	}

	w.seq++
	if _, seen := w.firstAt[genreID]; !seen {
		w.firstAt[genreID] = w.seq
	}

	if previous, voted := w.votes[userID]; voted {
		if previous.GenreID != genreID {
			w.moveVoter(previous.GenreID, userID)
			entry.Votes++
			entry.Voters = append(entry.Voters, Voter{UserID: userID, Author: author})
		} else {
			w.updateAuthor(genreID, userID, author)
		}
		previous.GenreID = genreID
		previous.Author = author
		previous.ReceivedAt = time.Now()
	} else {
		w.votes[userID] = &Vote{UserID: userID, GenreID: genreID, Author: author, ReceivedAt: time.Now()}
		entry.Votes++
		entry.Voters = append(entry.Voters, Voter{UserID: userID, Author: author})
	}

	votes := entry.Votes
	total := len(w.votes)
	c.mu.Unlock()

	observability.RecordVote("accepted")
	c.emit(ctx, eventbus.EventVoteReceived, map[string]any{
		"userId":     userID,
		"genreId":    genreID,
		"author":     author,
		"votes":      votes,
		"totalVotes": total,
	})
	return nil
}

// close resolves the window, emits voting:complete and clears it.
func (c *Collector) close(ctx context.Context, cause string) (*Result, error) {
	c.mu.Lock()
	w := c.window
	if w == nil {
		c.mu.Unlock()
		return nil, errors.New("no voting window is open")
	}
	c.window = nil
	if w.timer != nil {
		w.timer.Stop()
	}

	result := &Result{
		TotalVotes: len(w.votes),
		Tally:      w.tallyCopy(),
		ClosedAt:   time.Now(),
	}
	if leader := w.leader(); leader != nil {
		winner := copyTally(leader)
		result.Winner = &winner
	}
	c.mu.Unlock()

	payload := map[string]any{
		"totalVotes": result.TotalVotes,
		"tally":      tallyPayload(result.Tally),
		"cause":      cause,
	}
	if result.Winner != nil {
		payload["winner"] = map[string]any{
			"genreId": result.Winner.GenreID,
			"name":    result.Winner.Name,
			"votes":   result.Winner.Votes,
		}
	} else {
		payload["winner"] = nil
	}

	c.logger.Info("voting_complete",
		"cause", cause,
		"totalVotes", result.TotalVotes,
		"winner", winnerName(result.Winner))
	c.emit(ctx, eventbus.EventVotingDone, payload)
	return result, nil
}

func (c *Collector) emit(ctx context.Context, eventType string, payload map[string]any) {
	if err := c.bus.Emit(ctx, eventType, payload); err != nil {
		c.logger.Warning("voting_emit_failed", "eventType", eventType, "error", err)
	}
}

// leader applies the tie-break chain. With an empty tally every genre
// ties at zero and the first ballot entry wins.
func (w *window) leader() *GenreTally {
	var best *GenreTally
	bestFirst, bestOrder := math.MaxInt, math.MaxInt
	for _, g := range w.genres {
		entry := w.tally[g.ID]
		first, seen := w.firstAt[g.ID]
		if !seen {
			first = math.MaxInt
		}
		order := w.order[g.ID]
		if best == nil ||
			entry.Votes > best.Votes ||
			(entry.Votes == best.Votes && first < bestFirst) ||
			(entry.Votes == best.Votes && first == bestFirst && order < bestOrder) {
			best, bestFirst, bestOrder = entry, first, order
		}
	}
	return best
}

// moveVoter drops userID from the genre it previously counted for.
func (w *window) moveVoter(genreID, userID string) {
	entry := w.tally[genreID]
	if entry == nil {
		return
	}
	entry.Votes--
	for i, v := range entry.Voters {
		if v.UserID == userID {
			entry.Voters = append(entry.Voters[:i], entry.Voters[i+1:]...)
			break
		}
	}
}

func (w *window) updateAuthor(genreID, userID, author string) {
	entry := w.tally[genreID]
	if entry == nil {
		return
	}
	for i := range entry.Voters {
		if entry.Voters[i].UserID == userID {
			entry.Voters[i].Author = author
			return
		}
	}
}

func (w *window) tallyCopy() map[string]GenreTally {
	out := make(map[string]GenreTally, len(w.tally))
	for genreID, entry := range w.tally {
		out[genreID] = copyTally(entry)
	}
	return out
}

func copyTally(entry *GenreTally) GenreTally {
	return GenreTally{
		GenreID: entry.GenreID,
		Name:    entry.Name,
		Votes:   entry.Votes,
		Voters:  append([]Voter(nil), entry.Voters...),
	}
}

func tallyPayload(tally map[string]GenreTally) map[string]any {
	out := make(map[string]any, len(tally))
	for genreID, entry := range tally {
		voters := make([]map[string]any, 0, len(entry.Voters))
		for _, v := range entry.Voters {
			voter := map[string]any{"userId": v.UserID}
			if v.Author != "" {
				voter["author"] = v.Author
			}
			voters = append(voters, voter)
		}
		out[genreID] = map[string]any{
			"name":   entry.Name,
			"votes":  entry.Votes,
			"voters": voters,
		}
	}
	return out
}

func winnerName(winner *GenreTally) string {
	if winner == nil {
		return ""
	}
	return winner.Name
}
