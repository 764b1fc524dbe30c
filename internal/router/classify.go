package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// dedupWindow is the lookback window for recent-task dedup candidates (spec §4.4).
const dedupWindow = 10 * time.Minute

// InboundEvent is the uniform shape integrations deliver (spec §4.4).
type InboundEvent struct {
	Source        string // slack|github|mail|telegram
	Author        string
	Text          string
	ThreadKey     string // e.g. "<slackChannelId>:<slackThreadTs>"
	TargetAgentID string // non-empty if the rule pins this event to an agent
	RawContext    map[string]any
}

// Outcome describes what the router did with an inbound event.
type Outcome struct {
	Kind           string // "task_created" | "inbox_message" | "duplicate"
	TaskID         string
	InboxMessageID string
	DuplicateOf    string
	DuplicateWhy   string
}

// Router classifies inbound integration events into tasks or inbox
// messages, deduplicating against recent tasks first (spec §4.4).
type Router struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Router {
	return &Router{store: store}
}

// Route implements the classification + dedup pipeline described in spec §4.4.
func (r *Router) Route(ctx context.Context, ev InboundEvent) (Outcome, error) {
	leadID, leadOnline, err := r.findOnlineLead(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("find online lead: %w", err)
	}
	anyWorkerOnline, err := r.anyWorkerOnline(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("check worker online: %w", err)
	}

	mentionsBot := leadOnline && mentionsAgent(ev.Text, leadID)

	description := deriveDescription(ev)

	if mentionsBot {
		if description == "" {
			return r.queueOrCreateInbox(ctx, ev, leadID, leadOnline, anyWorkerOnline)
		}
		return r.createOrDedup(ctx, ev, leadID, description)
	}

	if !leadOnline && !anyWorkerOnline {
		return r.queueOrCreateInbox(ctx, ev, leadID, leadOnline, anyWorkerOnline)
	}

	return r.createOrDedup(ctx, ev, ev.TargetAgentID, description)
}

// createOrDedup runs the three-step dedup check, then creates a task if none matched.
func (r *Router) createOrDedup(ctx context.Context, ev InboundEvent, ownerHint, description string) (Outcome, error) {
	creator := ev.Author
	if creator == "" {
		creator = "channel:" + ev.Source
	}
	recent, err := r.store.RecentTasksByCreator(ctx, creator, dedupWindow)
	if err != nil {
		return Outcome{}, fmt.Errorf("recent tasks by creator: %w", err)
	}
	candidates := make([]DedupCandidate, 0, len(recent))
	for _, t := range recent {
		candidates = append(candidates, DedupCandidate{
			TaskID:       t.ID,
			Description:  t.Description,
			OwnerAgentID: t.OwnerAgentID,
			ThreadKey:    threadKeyFromExternalContext(t.ExternalContext),
		})
	}
	if match := FindDuplicate(ev.ThreadKey, description, ev.TargetAgentID, candidates); match != nil {
		return Outcome{Kind: "duplicate", DuplicateOf: match.TaskID, DuplicateWhy: match.Reason}, nil
	}

	task, err := r.store.CreateTask(ctx, persistence.CreateTaskParams{
		CreatorAgentID:  creator,
		OwnerAgentID:    ownerHint,
		Description:     description,
		Source:          normalizeSource(ev.Source),
		ExternalContext: externalContextFor(ev),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create task from event: %w", err)
	}
	return Outcome{Kind: "task_created", TaskID: task.ID}, nil
}

// queueOrCreateInbox queues an inbox message on the (possibly offline) lead,
// or an unassigned task with external context if no lead exists at all.
func (r *Router) queueOrCreateInbox(ctx context.Context, ev InboundEvent, leadID string, leadOnline, anyWorkerOnline bool) (Outcome, error) {
	if leadID == "" {
		task, err := r.store.CreateTask(ctx, persistence.CreateTaskParams{
			CreatorAgentID:  "channel:" + ev.Source,
			Description:     deriveDescription(ev),
			Source:          normalizeSource(ev.Source),
			ExternalContext: externalContextFor(ev),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("create fallback unassigned task: %w", err)
		}
		return Outcome{Kind: "task_created", TaskID: task.ID}, nil
	}
	id, err := r.store.EnqueueInboxMessage(ctx, leadID, normalizeSource(ev.Source), ev.Author, "", ev.Text, ev.ThreadKey, marshalExternalContext(ev))
	if err != nil {
		return Outcome{}, fmt.Errorf("enqueue inbox message: %w", err)
	}
	return Outcome{Kind: "inbox_message", InboxMessageID: id}, nil
}

func (r *Router) findOnlineLead(ctx context.Context) (id string, online bool, err error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return "", false, err
	}
	for _, a := range agents {
		if a.Role == "lead" {
			return a.AgentID, a.Status != "offline", nil
		}
	}
	return "", false, nil
}

func (r *Router) anyWorkerOnline(ctx context.Context) (bool, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range agents {
		if a.Role == "worker" && a.Status != "offline" {
			return true, nil
		}
	}
	return false, nil
}

func mentionsAgent(text, agentID string) bool {
	if agentID == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(agentID))
}

func deriveDescription(ev InboundEvent) string {
	return strings.TrimSpace(ev.Text)
}

func normalizeSource(s string) string {
	switch s {
	case "slack", "github", "mail", "telegram":
		return s
	default:
		return "api"
	}
}

func externalContextFor(ev InboundEvent) map[string]any {
	ctx := map[string]any{
		"source":    ev.Source,
		"author":    ev.Author,
		"threadKey": ev.ThreadKey,
	}
	for k, v := range ev.RawContext {
		ctx[k] = v
	}
	return ctx
}

func marshalExternalContext(ev InboundEvent) string {
	b, err := json.Marshal(externalContextFor(ev))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// threadKeyFromExternalContext extracts the threadKey field a task's
// external_context JSON blob was created with. A missing field yields "".
func threadKeyFromExternalContext(externalContextJSON string) string {
	var parsed struct {
		ThreadKey string `json:"threadKey"`
	}
	if err := json.Unmarshal([]byte(externalContextJSON), &parsed); err != nil {
		return ""
	}
	return parsed.ThreadKey
}
