package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"porchwatch/internal/database"
	"porchwatch/internal/pipeline"
)

// StatsProvider exposes the running pipeline's counters
type StatsProvider interface {
	Stats() pipeline.PipelineStats
}

// CaptureLister reads the capture audit log
type CaptureLister interface {
	ListCaptures(status string, limit int) ([]*database.CaptureRecord, error)
}

// SnapshotFunc grabs a single JPEG from the camera
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// Update represents a Telegram update
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message,omitempty"`
}

// TelegramMessage is the subset of a Telegram message used for commands
type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	Chat      *TelegramChat `json:"chat,omitempty"`
	Date      int64         `json:"date"`
	Text      string        `json:"text,omitempty"`
}

// TelegramChat represents a Telegram chat
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// GetUpdatesResponse represents the response from getUpdates
type GetUpdatesResponse struct {
	OK          bool     `json:"ok"`
	Result      []Update `json:"result,omitempty"`
	ErrorCode   int      `json:"error_code,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CommandHandler answers bot commands from the authorized chat
type CommandHandler struct {
	bot          *TelegramBot
	stats        StatsProvider
	captures     CaptureLister
	snapshot     SnapshotFunc
	pollInterval time.Duration
	lastUpdateID int64
	mu           sync.Mutex
}

// NewCommandHandler creates a new command handler. captures and snapshot may
// be nil, the matching commands then report they are unavailable.
func NewCommandHandler(bot *TelegramBot, stats StatsProvider, captures CaptureLister, snapshot SnapshotFunc) *CommandHandler {
	return &CommandHandler{
		bot:          bot,
		stats:        stats,
		captures:     captures,
		snapshot:     snapshot,
		pollInterval: 2 * time.Second,
	}
}

// StartPolling polls getUpdates until ctx is done
func (ch *CommandHandler) StartPolling(ctx context.Context) error {
	ch.bot.logger.Info("starting command polling")

	ticker := time.NewTicker(ch.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ch.bot.logger.Info("command polling stopped")
			return nil
		case <-ticker.C:
			if err := ch.pollUpdates(ctx); err != nil && ctx.Err() == nil {
				ch.bot.logger.Warn("failed to poll updates", "error", err)
			}
		}
	}
}

// pollUpdates fetches and processes updates from Telegram
func (ch *CommandHandler) pollUpdates(ctx context.Context) error {
	ch.mu.Lock()
	offset := ch.lastUpdateID + 1
	ch.mu.Unlock()

	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=1", ch.bot.apiBase, ch.bot.botToken, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := ch.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var updatesResp GetUpdatesResponse
	if err := json.Unmarshal(body, &updatesResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !updatesResp.OK {
		return fmt.Errorf("telegram API error %d: %s", updatesResp.ErrorCode, updatesResp.Description)
	}

	for _, update := range updatesResp.Result {
		ch.mu.Lock()
		if update.UpdateID > ch.lastUpdateID {
			ch.lastUpdateID = update.UpdateID
		}
		ch.mu.Unlock()

		if update.Message != nil {
			ch.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

// handleMessage dispatches a command from the authorized chat
func (ch *CommandHandler) handleMessage(ctx context.Context, msg *TelegramMessage) {
	if msg.Chat == nil {
		return
	}
	if strconv.FormatInt(msg.Chat.ID, 10) != ch.bot.chatID {
		ch.bot.logger.Warn("ignoring message from unauthorized chat", "chat_id", msg.Chat.ID)
		return
	}
	if !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	// /status@mybot
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}
	ch.bot.logger.Debug("processing command", "command", command)

	var response string
	switch command {
	case "/start":
		response = ch.handleStart()
	case "/help":
		response = ch.handleHelp()
	case "/status":
		response = ch.handleStatus()
	case "/captures":
		response = ch.handleCaptures(args)
	case "/snapshot":
		ch.handleSnapshot(ctx)
		return
	default:
		response = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", command)
	}

	if err := ch.bot.SendMessage(ctx, response); err != nil {
		ch.bot.logger.Warn("failed to send reply", "command", command, "error", err)
	}
}

func (ch *CommandHandler) handleStart() string {
	return "🎃 <b>Welcome to Porchwatch!</b>\n\n" +
		"I'll send you a photo whenever someone lingers at the door.\n\n" +
		"Use /help to see available commands."
}

func (ch *CommandHandler) handleHelp() string {
	return "📋 <b>Available Commands</b>\n\n" +
		"/status - Pipeline status\n" +
		"/captures [limit] - Recent captures\n" +
		"/snapshot - Current camera frame\n" +
		"/help - Show this help"
}

func (ch *CommandHandler) handleStatus() string {
	s := ch.stats.Stats()

	camera := "disconnected"
	if s.Sampler != nil && s.Sampler.Connected {
		camera = "connected"
	}
	last := "never"
	if s.LastCaptureAt != nil {
		last = s.LastCaptureAt.In(ch.bot.location).Format("Jan 2, 15:04:05")
	}

	return fmt.Sprintf(
		"📊 <b>Status</b> (%s)\n\n"+
			"📹 Camera: %s\n"+
			"👁 Presence: %s\n"+
			"🖼 Frames: %d processed, %d with subjects\n"+
			"📸 Captures: %d (%d failed), last %s\n"+
			"💾 Records stored: %d\n"+
			"⚠️ Detector errors: %d\n"+
			"⏱ Uptime: %s",
		s.DeviceID,
		camera,
		s.Presence.Phase,
		s.FramesProcessed, s.FramesPresent,
		s.Captures, s.CaptureFailures, last,
		s.RecordsStored,
		s.DetectorErrors,
		formatDuration(time.Since(s.StartedAt)),
	)
}

func (ch *CommandHandler) handleCaptures(args []string) string {
	if ch.captures == nil {
		return "ℹ️ Capture history is not available."
	}

	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 20 {
			limit = n
		}
	}

	records, err := ch.captures.ListCaptures("", limit)
	if err != nil {
		return fmt.Sprintf("❌ Failed to load captures: %v", err)
	}
	if len(records) == 0 {
		return "📋 <b>Recent Captures</b>\n\nNo captures recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Recent Captures</b> (last %d)\n\n", len(records))
	for i, rec := range records {
		ts := rec.Timestamp.In(ch.bot.location)
		fmt.Fprintf(&sb, "%d. %s - %d subjects, %s\n", i+1, ts.Format("Jan 2, 15:04"), rec.Subjects, rec.Status)
	}
	return sb.String()
}

func (ch *CommandHandler) handleSnapshot(ctx context.Context) {
	if ch.snapshot == nil {
		ch.bot.SendMessage(ctx, "ℹ️ Snapshots are not available.")
		return
	}

	frame, err := ch.snapshot(ctx)
	if err != nil {
		ch.bot.SendMessage(ctx, fmt.Sprintf("❌ Failed to capture frame: %v", err))
		return
	}

	now := time.Now().In(ch.bot.location)
	zoneName, _ := now.Zone()
	caption := fmt.Sprintf("📸 <b>Snapshot</b>\n\n🕐 Time: %s %s", now.Format("Jan 2, 2006, 15:04:05"), zoneName)
	if err := ch.bot.SendPhoto(ctx, frame, caption); err != nil {
		ch.bot.SendMessage(ctx, fmt.Sprintf("❌ Failed to send snapshot: %v", err))
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
