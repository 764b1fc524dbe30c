package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// SlackChannel posts a task's result back to its originating channel once
// it finishes. Inbound Slack events arrive through the signature-verified
// /webhooks/slack endpoint and internal/router; SlackChannel only owns the
// reply half. No Slack SDK exists anywhere in the example pack, so replies
// go over a plain net/http POST to chat.postMessage — grounded on the
// broker's own internal/runner.Client (bearer-token JSON POST over
// net/http) rather than a hand-rolled substitute for a missing library.
type SlackChannel struct {
	botToken string
	http     *http.Client
	eventBus *bus.Bus
	store    *persistence.Store
	logger   *slog.Logger
}

// NewSlackChannel builds a Slack reply channel authenticated with a bot
// token.
func NewSlackChannel(botToken string, eventBus *bus.Bus, store *persistence.Store, logger *slog.Logger) *SlackChannel {
	return &SlackChannel{botToken: botToken, http: &http.Client{}, eventBus: eventBus, store: store, logger: logger}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Start(ctx context.Context) error {
	sub := s.eventBus.Subscribe("task.finished")
	defer s.eventBus.Unsubscribe(sub)

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
			s.handleFinished(ctx, *result.Task)
		}
	}
}

func (s *SlackChannel) handleFinished(ctx context.Context, task persistence.Task) {
	if task.Source != "slack" {
		return
	}
	channel, threadTs, ok := slackOrigin(task.ExternalContext)
	if !ok {
		return
	}

	text := task.Output
	if task.Status == persistence.TaskStatusFailed {
		text = "Task failed: " + task.FailureReason
	}
	if text == "" {
		return
	}

	if err := s.postMessage(ctx, channel, threadTs, text); err != nil {
		s.logger.Error("slack channel: post message failed", "task_id", task.ID, "channel", channel, "error", err)
	}
}

func (s *SlackChannel) postMessage(ctx context.Context, channel, threadTs, text string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   channel,
		"thread_ts": threadTs,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal chat.postMessage body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://slack.com/api/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat.postMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat.postMessage: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode chat.postMessage response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("chat.postMessage: %s", result.Error)
	}
	return nil
}

func slackOrigin(externalContextJSON string) (channel, threadTs string, ok bool) {
	var parsed struct {
		Channel string `json:"channel"`
		Ts      string `json:"ts"`
	}
	if err := json.Unmarshal([]byte(externalContextJSON), &parsed); err != nil {
		return "", "", false
	}
	if parsed.Channel == "" {
		return "", "", false
	}
	return parsed.Channel, parsed.Ts, true
}
