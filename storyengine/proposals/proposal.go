// Package proposals holds the competition proposal types and the batch
// manager that collects agent submissions against a deadline.
package proposals

import (
	"time"

	"github.com/agent-adventures/adventure-core/storyengine/typeutil"
)

// Competition stage proposal types.
const (
	TypeAssetPlacement = "asset_placement"
	TypeCameraPlanning = "camera_planning"
	TypeAudioNarration = "audio_narration"
	TypeCameraMove     = "camera_move"
	TypeStoryAdvance   = "story_advance"
)

// Batch lifecycle statuses.
const (
	StatusOpen     = "open"
	StatusComplete = "complete"
	StatusTimedOut = "timed_out"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
)

// Proposal is one agent's answer to a competition challenge. A failed
// generation is still a Proposal, with Error set.
type Proposal struct {
	BatchID      string         `json:"batchId,omitempty"`
	AgentID      string         `json:"agentId"`
	ProposalType string         `json:"proposalType"`
	Data         map[string]any `json:"data,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Spatial      map[string]any `json:"spatial,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	TokensUsed   int            `json:"tokensUsed,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Failed reports whether the proposal carries a generation error.
func (p *Proposal) Failed() bool {
	return p.Error != ""
}

// ToMap renders the proposal as a bus payload.
func (p *Proposal) ToMap() map[string]any {
	m := map[string]any{
		"agentId":      p.AgentID,
		"proposalType": p.ProposalType,
		"timestamp":    p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if p.BatchID != "" {
		m["batchId"] = p.BatchID
	}
	if p.Data != nil {
		m["data"] = typeutil.DeepCopyMap(p.Data)
	}
	if p.Reasoning != "" {
		m["reasoning"] = p.Reasoning
	}
	if p.Summary != "" {
		m["summary"] = p.Summary
	}
	if p.Spatial != nil {
		m["spatial"] = typeutil.DeepCopyMap(p.Spatial)
	}
	if p.TokensUsed > 0 {
		m["tokensUsed"] = p.TokensUsed
	}
	if p.Error != "" {
		m["error"] = p.Error
	}
	return m
}

// FromMap rebuilds a proposal from a bus payload.
func FromMap(m map[string]any) *Proposal {
	p := &Proposal{
		BatchID:      typeutil.SafeStringDefault(m["batchId"], ""),
		AgentID:      typeutil.SafeStringDefault(m["agentId"], ""),
		ProposalType: typeutil.SafeStringDefault(m["proposalType"], ""),
		Reasoning:    typeutil.SafeStringDefault(m["reasoning"], ""),
		Summary:      typeutil.SafeStringDefault(m["summary"], ""),
		TokensUsed:   typeutil.SafeIntDefault(m["tokensUsed"], 0),
		Error:        typeutil.SafeStringDefault(m["error"], ""),
	}
	if data, ok := typeutil.SafeMapStringAny(m["data"]); ok {
		p.Data = typeutil.DeepCopyMap(data)
	}
	if spatial, ok := typeutil.SafeMapStringAny(m["spatial"]); ok {
		p.Spatial = typeutil.DeepCopyMap(spatial)
	}
	if raw, ok := typeutil.SafeString(m["timestamp"]); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			p.Timestamp = ts
		}
	}
	return p
}

// Batch tracks one open proposal collection round.
type Batch struct {
	BatchID        string         `json:"batchId"`
	ProposalType   string         `json:"proposalType"`
	Context        map[string]any `json:"context,omitempty"`
	Deadline       time.Time      `json:"deadline"`
	ExpectedAgents []string       `json:"expectedAgents"`
	Proposals      []*Proposal    `json:"proposals"`
	Status         string         `json:"status"`
	OpenedAt       time.Time      `json:"openedAt"`
}

// Received returns the number of accepted proposals.
func (b *Batch) Received() int {
	return len(b.Proposals)
}

// Missing returns the expected agents that have not submitted, in
// roster order.
func (b *Batch) Missing() []string {
	submitted := make(map[string]bool, len(b.Proposals))
	for _, p := range b.Proposals {
		submitted[p.AgentID] = true
	}
	missing := make([]string, 0)
	for _, agentID := range b.ExpectedAgents {
		if !submitted[agentID] {
			missing = append(missing, agentID)
		}
	}
	return missing
}
