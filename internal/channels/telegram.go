package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// TelegramChannel implements the Channel interface, turning direct-message
// chat into broker tasks and replying once they finish (spec §12
// supplemented channels; not part of the webhook/router ingestion path
// since a Telegram DM maps 1:1 to a task rather than needing thread
// classification/dedup).
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // taskID -> chatID
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		store:        store,
		logger:       logger,
		eventBus:     eventBus,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorCompletions(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection: tgbotapi blocks rather than closing the channel on a dead
// connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// Parse an optional "@agentID " prefix for direct assignment.
	ownerAgentID := ""
	if strings.HasPrefix(content, "@") {
		parts := strings.SplitN(content, " ", 2)
		ownerAgentID = strings.TrimPrefix(parts[0], "@")
		if len(parts) > 1 {
			content = strings.TrimSpace(parts[1])
		} else {
			content = ""
		}
	}
	if content == "" {
		return
	}

	externalContext := map[string]any{
		"telegram": map[string]any{
			"chatId": msg.Chat.ID,
			"userId": msg.From.ID,
		},
	}

	task, err := t.store.CreateTask(ctx, persistence.CreateTaskParams{
		Description:     content,
		Source:          "telegram",
		OwnerAgentID:    ownerAgentID,
		ExternalContext: externalContext,
	})
	if err != nil {
		t.logger.Error("failed to create telegram task", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not schedule task: %v", err))
		return
	}

	t.pendingMu.Lock()
	t.pendingTasks[task.ID] = msg.Chat.ID
	t.pendingMu.Unlock()
}

// monitorCompletions replies in the originating chat once a pending task
// finishes, via the bus when available and by polling otherwise.
func (t *TelegramChannel) monitorCompletions(ctx context.Context) {
	if t.eventBus != nil {
		t.monitorViaBus(ctx)
		return
	}
	t.monitorViaPolling(ctx)
}

func (t *TelegramChannel) monitorViaBus(ctx context.Context) {
	sub := t.eventBus.Subscribe("task.finished")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			result, ok := ev.Payload.(persistence.FinishResult)
			if !ok || result.Task == nil {
				continue
			}
			t.notifyFinished(*result.Task)
		}
	}
}

func (t *TelegramChannel) monitorViaPolling(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkPendingTasks(ctx)
		}
	}
}

func (t *TelegramChannel) checkPendingTasks(ctx context.Context) {
	t.pendingMu.Lock()
	taskIDs := make([]string, 0, len(t.pendingTasks))
	for id := range t.pendingTasks {
		taskIDs = append(taskIDs, id)
	}
	t.pendingMu.Unlock()

	for _, taskID := range taskIDs {
		task, err := t.store.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if task.Status == persistence.TaskStatusCompleted || task.Status == persistence.TaskStatusFailed {
			t.notifyFinished(*task)
		}
	}
}

func (t *TelegramChannel) notifyFinished(task persistence.Task) {
	t.pendingMu.Lock()
	chatID, pending := t.pendingTasks[task.ID]
	if pending {
		delete(t.pendingTasks, task.ID)
	}
	t.pendingMu.Unlock()
	if !pending {
		return
	}

	if task.Status == persistence.TaskStatusFailed {
		t.reply(chatID, fmt.Sprintf("Task failed: %s", task.FailureReason))
		return
	}
	t.reply(chatID, task.Output)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
