// Package telegram sends capture alerts to a Telegram chat and answers a
// few status commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	plog "porchwatch/internal/log"
	"porchwatch/internal/pipeline"
)

// DefaultAPIBase is the Telegram Bot API root
const DefaultAPIBase = "https://api.telegram.org"

// TelegramBot handles Telegram bot operations
type TelegramBot struct {
	botToken        string
	chatID          string
	apiBase         string
	httpClient      *http.Client
	mu              sync.Mutex
	cooldownTracker map[string]time.Time
	cooldownPeriod  time.Duration
	location        *time.Location
	logger          *slog.Logger
}

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Cooldown time.Duration
	APIBase  string         // Overrides DefaultAPIBase
	Location *time.Location // Timezone for alert timestamps
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ErrCooldown is returned when an alert is suppressed by the cooldown
var ErrCooldown = fmt.Errorf("alert cooldown period not yet elapsed")

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(config Config) (*TelegramBot, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if config.Cooldown == 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.APIBase == "" {
		config.APIBase = DefaultAPIBase
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &TelegramBot{
		botToken:        config.BotToken,
		chatID:          config.ChatID,
		apiBase:         strings.TrimRight(config.APIBase, "/"),
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		cooldownTracker: make(map[string]time.Time),
		cooldownPeriod:  config.Cooldown,
		location:        config.Location,
		logger:          plog.Component("telegram"),
	}, nil
}

// SendMessage sends a text message, bypassing the cooldown
func (tb *TelegramBot) SendMessage(ctx context.Context, message string) error {
	payload := map[string]interface{}{
		"chat_id":    tb.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	return tb.sendTelegramRequest(ctx, "sendMessage", payload)
}

// SendPhoto sends a photo with optional caption, bypassing the cooldown
func (tb *TelegramBot) SendPhoto(ctx context.Context, photoData []byte, caption string) error {
	return tb.sendPhoto(ctx, photoData, caption)
}

// SendCaptureAlert sends the redacted capture with its subjects. Alerts
// inside the cooldown window return ErrCooldown.
func (tb *TelegramBot) SendCaptureAlert(ctx context.Context, report *pipeline.CaptureReport) error {
	if !tb.takeCooldown("capture") {
		return ErrCooldown
	}

	caption := FormatCaptureCaption(report, tb.location)
	var err error
	if len(report.Image) > 0 {
		err = tb.sendPhoto(ctx, report.Image, caption)
	} else {
		err = tb.SendMessage(ctx, caption)
	}
	if err != nil {
		tb.releaseCooldown("capture")
	}
	return err
}

// FormatCaptureCaption renders the alert text for a capture
func FormatCaptureCaption(report *pipeline.CaptureReport, loc *time.Location) string {
	ts := report.Timestamp
	if loc != nil {
		ts = ts.In(loc)
	}
	zoneName, _ := ts.Zone()

	var sb strings.Builder
	sb.WriteString("🎃 <b>Visitor at the door!</b>\n\n")
	fmt.Fprintf(&sb, "📹 Device: %s\n", report.DeviceID)
	fmt.Fprintf(&sb, "🕐 Time: %s %s\n", ts.Format("2 Jan 2006, 15:04:05"), zoneName)
	fmt.Fprintf(&sb, "👥 Subjects: %d", len(report.Outcomes))

	for i, o := range report.Outcomes {
		s := o.Subject
		switch {
		case s.Costume != nil && s.Costume.IsNoCostume():
			fmt.Fprintf(&sb, "\n%d. no costume (%.0f%%)", i+1, s.Confidence*100)
		case s.Costume != nil:
			fmt.Fprintf(&sb, "\n%d. <b>%s</b> (%.0f%%)", i+1, escapeHTML(s.Costume.Label), s.Costume.Confidence*100)
			if s.Costume.Description != "" {
				fmt.Fprintf(&sb, " - %s", escapeHTML(s.Costume.Description))
			}
		default:
			fmt.Fprintf(&sb, "\n%d. person (%.0f%%)", i+1, s.Confidence*100)
		}
	}
	return sb.String()
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// sendPhoto sends a photo using multipart form data
func (tb *TelegramBot) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	url := fmt.Sprintf("%s/bot%s/sendPhoto", tb.apiBase, tb.botToken)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", tb.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}

	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "capture.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	_, err = tb.handleResponse(resp)
	return err
}

// sendTelegramRequest sends a generic request to Telegram API
func (tb *TelegramBot) sendTelegramRequest(ctx context.Context, method string, payload map[string]interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", tb.apiBase, tb.botToken, method)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	_, err = tb.handleResponse(resp)
	return err
}

// handleResponse processes the Telegram API response
func (tb *TelegramBot) handleResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}

	return telegramResp.Result, nil
}

// takeCooldown reserves the action if its cooldown has elapsed
func (tb *TelegramBot) takeCooldown(actionType string) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if last, ok := tb.cooldownTracker[actionType]; ok && time.Since(last) < tb.cooldownPeriod {
		return false
	}
	tb.cooldownTracker[actionType] = time.Now()
	return true
}

// releaseCooldown forgets a reservation after a failed send
func (tb *TelegramBot) releaseCooldown(actionType string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.cooldownTracker, actionType)
}

// ValidateConfig validates the Telegram bot configuration
func ValidateConfig(config Config) error {
	if config.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if config.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}
	if config.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	return nil
}
