// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/pkg/queue"
	"github.com/AleutianAI/AleutianFleet/services/agent/proposal"
	"github.com/AleutianAI/AleutianFleet/services/agent/safety"
)

// ChangeExecutor performs the actual code mutation once a proposal is
// cleared to run. The returned map is the after-execution metric snapshot.
type ChangeExecutor interface {
	Execute(ctx context.Context, p *proposal.Proposal) (map[string]any, error)
}

// Options tunes the coordinator's polling behavior.
type Options struct {
	// AwaitPollInterval is how often AwaitConsensus re-checks its inbox.
	AwaitPollInterval time.Duration

	// PumpPollInterval is how often the response pump drains the
	// consensus-responses queue.
	PumpPollInterval time.Duration

	// PumpBatchSize bounds one drain pass.
	PumpBatchSize int
}

// DefaultOptions returns the standard polling cadence.
func DefaultOptions() Options {
	return Options{
		AwaitPollInterval: 500 * time.Millisecond,
		PumpPollInterval:  500 * time.Millisecond,
		PumpBatchSize:     16,
	}
}

// Coordinator gates agent-initiated changes behind safety profiles and
// consensus.
//
// # Description
//
// ProposeChange creates the proposal and, when the agent type's profile
// requires it, submits the change for a fleet-wide vote. Run drains the
// consensus-responses queue and applies decisions to the stored proposals,
// including decisions that arrive after the proposing agent gave up
// waiting. Execute runs the cleared change through the ChangeExecutor and
// rolls back automatically when the profile asks for it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	store    *proposal.Store
	profiles *safety.Registry
	queue    queue.Queue
	executor ChangeExecutor
	logger   *logging.Logger
	opts     Options

	mu      sync.Mutex
	decided map[string]ConsensusResponse
}

// NewCoordinator creates a coordinator. executor may be nil when the
// process only proposes and never executes.
func NewCoordinator(
	store *proposal.Store,
	profiles *safety.Registry,
	q queue.Queue,
	executor ChangeExecutor,
	logger *logging.Logger,
	opts Options,
) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.AwaitPollInterval <= 0 {
		opts.AwaitPollInterval = DefaultOptions().AwaitPollInterval
	}
	if opts.PumpPollInterval <= 0 {
		opts.PumpPollInterval = DefaultOptions().PumpPollInterval
	}
	if opts.PumpBatchSize <= 0 {
		opts.PumpBatchSize = DefaultOptions().PumpBatchSize
	}
	return &Coordinator{
		store:    store,
		profiles: profiles,
		queue:    q,
		executor: executor,
		logger:   logger,
		opts:     opts,
		decided:  make(map[string]ConsensusResponse),
	}
}

// ProposeChange validates the change, attaches the agent type's safety
// profile, and creates the proposal.
//
// # Inputs
//
//   - agentType: Keys the safety profile lookup; unregistered types get
//     the default profile.
//   - change: Opaque payload. Must carry a non-empty "type" field.
//   - metadata: Optional. "impact_score" and "risk_score" override the
//     5.0 defaults; "metrics_before" snapshots pre-change metrics.
//
// # Outputs
//
//   - *proposal.Proposal: In sent_for_consensus when the profile requires
//     consensus, otherwise already applied.
//   - error: ErrInvalidChange for a malformed payload; queue or
//     persistence errors otherwise.
func (c *Coordinator) ProposeChange(
	ctx context.Context,
	agentType string,
	change map[string]any,
	metadata map[string]any,
) (*proposal.Proposal, error) {
	changeType, _ := change["type"].(string)
	if changeType == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrInvalidChange)
	}

	profile, _ := c.profiles.Get(agentType)
	now := time.Now().UTC()
	p := &proposal.Proposal{
		ID:            uuid.NewString(),
		AgentType:     agentType,
		AgentID:       metaString(metadata, "agent_id"),
		Change:        change,
		SafetyProfile: profile,
		ImpactScore:   metaFloat(metadata, "impact_score", 5.0),
		RiskScore:     metaFloat(metadata, "risk_score", 5.0),
		Status:        proposal.StatusPending,
		MetricsBefore: metaMap(metadata, "metrics_before"),
		CreatedAt:     now,
	}
	if err := c.store.Insert(ctx, p); err != nil {
		return nil, err
	}

	if profile.NeedsConsensus {
		req := ConsensusRequest{ProposalID: p.ID, Change: change, SafetyProfile: profile}
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("encode consensus request: %w", err)
		}
		if err := c.queue.Enqueue(ctx, QueueConsensusRequests, body); err != nil {
			c.logger.Error("consensus request publish failed",
				"proposal_id", p.ID, "error", err.Error())
			return nil, err
		}
		if err := c.store.Transition(ctx, p.ID, proposal.StatusSentForConsensus); err != nil {
			return nil, err
		}
		c.logger.Info("proposal sent for consensus",
			"proposal_id", p.ID, "agent_type", agentType,
			"priority", p.PriorityScore())
	} else {
		if err := c.store.Transition(ctx, p.ID, proposal.StatusApplied); err != nil {
			return nil, err
		}
		c.logger.Info("proposal applied without consensus",
			"proposal_id", p.ID, "agent_type", agentType)
	}

	return c.store.Get(ctx, p.ID)
}

// AwaitConsensus blocks until a decision for id arrives or timeout
// elapses, polling at the configured interval.
//
// # Outputs
//
//   - Decision: approved or rejected once decided.
//   - error: proposal.ErrNotFound for an unknown id; ErrConsensusTimeout
//     when no decision arrived in time. On timeout the proposal stays in
//     sent_for_consensus so a late decision can still land.
func (c *Coordinator) AwaitConsensus(ctx context.Context, id string, timeout time.Duration) (Decision, error) {
	status, err := c.store.Status(ctx, id)
	if err != nil {
		return "", err
	}
	if d, ok := decisionFromStatus(status); ok {
		return d, nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.opts.AwaitPollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		resp, ok := c.decided[id]
		if ok {
			// The store holds the durable record; the map entry only
			// bridges pump and waiter, so consume it here.
			delete(c.decided, id)
		}
		c.mu.Unlock()
		if ok {
			return resp.Decision, nil
		}

		// Another process may have applied the decision directly.
		status, err := c.store.Status(ctx, id)
		if err != nil {
			return "", err
		}
		if d, ok := decisionFromStatus(status); ok {
			return d, nil
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("proposal %s: %w", id, ErrConsensusTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Execute runs a consensus-cleared proposal through the change executor.
// On executor failure the proposal is rolled back when the profile sets
// auto_rollback, otherwise marked failed.
func (c *Coordinator) Execute(ctx context.Context, id string) error {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.executor == nil {
		return fmt.Errorf("proposal %s: no change executor configured", id)
	}
	if err := c.store.Transition(ctx, id, proposal.StatusExecuting); err != nil {
		return err
	}

	after, execErr := c.executor.Execute(ctx, p)
	if execErr != nil {
		c.logger.Error("change execution failed",
			"proposal_id", id, "agent_type", p.AgentType, "error", execErr.Error())
		if p.SafetyProfile.AutoRollback {
			if rbErr := c.store.RecordRollback(ctx, id, execErr.Error()); rbErr != nil {
				return rbErr
			}
		} else if trErr := c.store.RecordOutcome(ctx, id, proposal.StatusFailed, nil); trErr != nil {
			return trErr
		}
		return execErr
	}

	if err := c.store.RecordOutcome(ctx, id, proposal.StatusApplied, after); err != nil {
		return err
	}
	c.logger.Info("change applied", "proposal_id", id, "agent_type", p.AgentType)
	return nil
}

// HandleRollback forces the proposal to rolled_back. Idempotent.
func (c *Coordinator) HandleRollback(ctx context.Context, id, reason string) error {
	return c.store.RecordRollback(ctx, id, reason)
}

// GetChangeStatus returns the proposal's current status.
func (c *Coordinator) GetChangeStatus(ctx context.Context, id string) (proposal.Status, error) {
	return c.store.Status(ctx, id)
}

// RecordPattern publishes a learned pattern to the fleet-learning side.
// Fire and forget: queue trouble is logged, not returned. An empty
// pattern is rejected with ErrInvalidPattern.
func (c *Coordinator) RecordPattern(ctx context.Context, agentType, category string, pattern map[string]any) error {
	if len(pattern) == 0 {
		return fmt.Errorf("%w: pattern must be a non-empty map", ErrInvalidPattern)
	}
	body, err := json.Marshal(PatternEvent{AgentType: agentType, Category: category, Pattern: pattern})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if err := c.queue.Enqueue(ctx, QueueLearnedPatterns, body); err != nil {
		c.logger.Warn("pattern publish failed",
			"agent_type", agentType, "category", category, "error", err.Error())
	}
	return nil
}

// =============================================================================
// Consensus Response Pump
// =============================================================================

// Run drains the consensus-responses queue until ctx is canceled, applying
// each decision to its stored proposal. Decisions arriving after the
// proposer timed out are still recorded for audit. Redelivered responses
// for already-decided proposals are acked without error.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PumpPollInterval)
	defer ticker.Stop()

	c.logger.Info("consensus response pump started",
		"poll_interval", c.opts.PumpPollInterval.String())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consensus response pump stopped")
			return ctx.Err()
		case <-ticker.C:
			c.drainResponses(ctx)
		}
	}
}

func (c *Coordinator) drainResponses(ctx context.Context) {
	deliveries, err := c.queue.Dequeue(ctx, QueueConsensusResponses, c.opts.PumpBatchSize)
	if err != nil {
		c.logger.Warn("consensus response dequeue failed", "error", err.Error())
		return
	}
	for _, d := range deliveries {
		c.applyResponse(ctx, d.Body)
		if err := c.queue.Ack(ctx, QueueConsensusResponses, d.AckToken); err != nil {
			c.logger.Warn("consensus response ack failed", "error", err.Error())
		}
	}
}

func (c *Coordinator) applyResponse(ctx context.Context, body []byte) {
	var resp ConsensusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("dropping malformed consensus response", "error", err.Error())
		return
	}
	if resp.ProposalID == "" {
		c.logger.Warn("dropping consensus response without proposal_id")
		return
	}

	to := proposal.StatusConsensusFailed
	if resp.Decision == DecisionApproved {
		to = proposal.StatusConsensusReached
	}
	err := c.store.RecordVotes(ctx, resp.ProposalID, to, resp.Votes)
	switch {
	case err == nil:
		// Waiters poll the store, so the durable record alone serves them.
		c.logger.Info("consensus decision applied",
			"proposal_id", resp.ProposalID,
			"decision", string(resp.Decision),
			"consensus_score", resp.ConsensusScore)
	default:
		// Redelivery or a proposal that moved on. Park the decision so a
		// waiter can still read it; the waiter consumes the entry.
		c.logger.Warn("consensus decision not applied",
			"proposal_id", resp.ProposalID, "error", err.Error())
		c.mu.Lock()
		c.decided[resp.ProposalID] = resp
		c.mu.Unlock()
	}
}

func decisionFromStatus(s proposal.Status) (Decision, bool) {
	switch s {
	case proposal.StatusConsensusReached:
		return DecisionApproved, true
	case proposal.StatusConsensusFailed:
		return DecisionRejected, true
	}
	return "", false
}

// =============================================================================
// Metadata Helpers
// =============================================================================

func metaFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func metaMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}
