package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/go-github/v69/github"

	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// GitHubChannel posts a task's result back as an issue comment once it
// finishes. Inbound GitHub events arrive through the signature-verified
// /webhooks/github endpoint and internal/router, not through this type —
// GitHubChannel only owns the reply half of the round trip. Grounded on
// nugget-thane-ai-agent's internal/forge/github.go client wrapper, trimmed
// to the single AddComment call this channel needs.
type GitHubChannel struct {
	client   *github.Client
	eventBus *bus.Bus
	store    *persistence.Store
	logger   *slog.Logger
}

// NewGitHubChannel builds a GitHub reply channel authenticated with a
// personal access or app installation token.
func NewGitHubChannel(token string, eventBus *bus.Bus, store *persistence.Store, logger *slog.Logger) *GitHubChannel {
	client := github.NewClient(nil).WithAuthToken(token)
	return &GitHubChannel{client: client, eventBus: eventBus, store: store, logger: logger}
}

func (g *GitHubChannel) Name() string {
	return "github"
}

// Start subscribes to task.finished events and comments on the originating
// issue for any task created from a github-sourced external context.
func (g *GitHubChannel) Start(ctx context.Context) error {
	sub := g.eventBus.Subscribe("task.finished")
	defer g.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			result, ok := ev.Payload.(persistence.FinishResult)
			if !ok || result.Task == nil {
				continue
			}
			g.handleFinished(ctx, *result.Task)
		}
	}
}

func (g *GitHubChannel) handleFinished(ctx context.Context, task persistence.Task) {
	if task.Source != "github" {
		return
	}
	repo, issue, ok := githubOrigin(task.ExternalContext)
	if !ok {
		return
	}

	body := task.Output
	if task.Status == persistence.TaskStatusFailed {
		body = "Task failed: " + task.FailureReason
	}
	if body == "" {
		return
	}

	owner, name, err := splitGitHubRepo(repo)
	if err != nil {
		g.logger.Warn("github channel: bad repo in task context", "task_id", task.ID, "repo", repo, "error", err)
		return
	}

	if _, _, err := g.client.Issues.CreateComment(ctx, owner, name, issue, &github.IssueComment{Body: &body}); err != nil {
		g.logger.Error("github channel: post comment failed", "task_id", task.ID, "repo", repo, "issue", issue, "error", err)
	}
}

func githubOrigin(externalContextJSON string) (repo string, issue int, ok bool) {
	var parsed struct {
		Repo  string `json:"repo"`
		Issue int    `json:"issue"`
	}
	if err := json.Unmarshal([]byte(externalContextJSON), &parsed); err != nil {
		return "", 0, false
	}
	if parsed.Repo == "" {
		return "", 0, false
	}
	return parsed.Repo, parsed.Issue, true
}

func splitGitHubRepo(repo string) (owner, name string, err error) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			owner, name = repo[:i], repo[i+1:]
			if owner != "" && name != "" {
				return owner, name, nil
			}
			break
		}
	}
	return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", repo)
}
