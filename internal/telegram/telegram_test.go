package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"porchwatch/internal/database"
	"porchwatch/internal/pipeline"
)

// fakeAPI records calls made against the Bot API
type fakeAPI struct {
	mu       sync.Mutex
	methods  []string
	texts    []string
	captions []string
	photos   [][]byte
	updates  string
	fail     bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

		f.mu.Lock()
		defer f.mu.Unlock()
		f.methods = append(f.methods, method)

		if f.fail {
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}

		switch method {
		case "sendMessage":
			var payload map[string]interface{}
			json.NewDecoder(r.Body).Decode(&payload)
			text, _ := payload["text"].(string)
			f.texts = append(f.texts, text)
		case "sendPhoto":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.captions = append(f.captions, r.FormValue("caption"))
			file, _, err := r.FormFile("photo")
			if err == nil {
				data, _ := io.ReadAll(file)
				f.photos = append(f.photos, data)
			}
		case "getUpdates":
			updates := f.updates
			f.updates = "[]"
			if updates == "" {
				updates = "[]"
			}
			w.Write([]byte(`{"ok":true,"result":` + updates + `}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func newTestBot(t *testing.T, api *fakeAPI, cooldown time.Duration) *TelegramBot {
	t.Helper()
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	bot, err := NewTelegramBot(Config{
		BotToken: "123:abc",
		ChatID:   "42",
		Cooldown: cooldown,
		APIBase:  server.URL,
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("NewTelegramBot() error: %v", err)
	}
	return bot
}

func testReport() *pipeline.CaptureReport {
	return &pipeline.CaptureReport{
		ID:        "cap-1",
		DeviceID:  "doorbird",
		Timestamp: time.Date(2026, 10, 31, 18, 30, 0, 0, time.UTC),
		Image:     []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Status:    pipeline.CaptureStored,
		Outcomes: []pipeline.SubjectOutcome{
			{Subject: pipeline.Subject{Confidence: 0.9, Costume: &pipeline.Costume{Label: "witch", Description: "pointy <hat>", Confidence: 0.8}}},
			{Subject: pipeline.Subject{Confidence: 0.7, Costume: &pipeline.Costume{Label: "person", Description: "No costume visible"}}},
			{Subject: pipeline.Subject{Confidence: 0.6}},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{BotToken: "t", ChatID: "1"}, false},
		{"missing token", Config{ChatID: "1"}, true},
		{"missing chat", Config{BotToken: "t"}, true},
		{"negative cooldown", Config{BotToken: "t", ChatID: "1", Cooldown: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateConfig(tt.config); (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFormatCaptureCaption(t *testing.T) {
	caption := FormatCaptureCaption(testReport(), time.UTC)

	for _, want := range []string{
		"Device: doorbird",
		"31 Oct 2026, 18:30:00 UTC",
		"Subjects: 3",
		"1. <b>witch</b> (80%) - pointy &lt;hat&gt;",
		"2. no costume (70%)",
		"3. person (60%)",
	} {
		if !strings.Contains(caption, want) {
			t.Errorf("Caption missing %q:\n%s", want, caption)
		}
	}
}

func TestSendCaptureAlertCooldown(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, time.Hour)

	if err := bot.SendCaptureAlert(context.Background(), testReport()); err != nil {
		t.Fatalf("SendCaptureAlert() error: %v", err)
	}
	if err := bot.SendCaptureAlert(context.Background(), testReport()); !errors.Is(err, ErrCooldown) {
		t.Errorf("Second alert error = %v, want ErrCooldown", err)
	}

	if len(api.photos) != 1 || string(api.photos[0]) != string(testReport().Image) {
		t.Errorf("Expected one photo with the capture bytes, got %d", len(api.photos))
	}
	if !strings.Contains(api.captions[0], "witch") {
		t.Errorf("Caption = %q", api.captions[0])
	}
}

func TestSendCaptureAlertFailureReleasesCooldown(t *testing.T) {
	api := &fakeAPI{fail: true}
	bot := newTestBot(t, api, time.Hour)

	err := bot.SendCaptureAlert(context.Background(), testReport())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Expected API error, got %v", err)
	}

	api.mu.Lock()
	api.fail = false
	api.mu.Unlock()
	if err := bot.SendCaptureAlert(context.Background(), testReport()); err != nil {
		t.Errorf("Retry after failure should not hit the cooldown: %v", err)
	}
}

func TestSendCaptureAlertWithoutImage(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)

	report := testReport()
	report.Image = nil
	if err := bot.SendCaptureAlert(context.Background(), report); err != nil {
		t.Fatal(err)
	}
	if calls := api.calls(); len(calls) != 1 || calls[0] != "sendMessage" {
		t.Errorf("calls = %v, want a text message", calls)
	}
}

func TestNotifierDeliversAndSkipsFailedCompose(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)
	n := NewNotifier(bot)

	failed := testReport()
	failed.Status = pipeline.CaptureComposeFailed
	n.OnCapture(failed)
	n.OnCapture(testReport())
	n.Close()

	if calls := api.calls(); len(calls) != 1 || calls[0] != "sendPhoto" {
		t.Errorf("calls = %v, want exactly one sendPhoto", calls)
	}

	// Close is idempotent
	n.Close()
}

type fakeStats struct{ stats pipeline.PipelineStats }

func (f fakeStats) Stats() pipeline.PipelineStats { return f.stats }

type fakeCaptures struct {
	records []*database.CaptureRecord
	err     error
	limit   int
}

func (f *fakeCaptures) ListCaptures(status string, limit int) ([]*database.CaptureRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func message(chatID int64, text string) *TelegramMessage {
	return &TelegramMessage{Chat: &TelegramChat{ID: chatID}, Text: text}
}

func TestCommandHandlerStatus(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)
	last := time.Date(2026, 10, 31, 19, 0, 0, 0, time.UTC)
	stats := fakeStats{pipeline.PipelineStats{
		DeviceID:        "doorbird",
		StartedAt:       time.Now().Add(-90 * time.Minute),
		FramesProcessed: 120,
		Captures:        4,
		LastCaptureAt:   &last,
		Presence:        pipeline.PresenceState{Phase: pipeline.PhaseIdle},
		Sampler:         &pipeline.SamplerStats{Connected: true},
	}}

	ch := NewCommandHandler(bot, stats, nil, nil)
	ch.handleMessage(context.Background(), message(42, "/status@porchbot"))

	if len(api.texts) != 1 {
		t.Fatalf("Expected one reply, got %d", len(api.texts))
	}
	reply := api.texts[0]
	for _, want := range []string{"doorbird", "Camera: connected", "120 processed", "Captures: 4", "Oct 31, 19:00:00", "1h 30m"} {
		if !strings.Contains(reply, want) {
			t.Errorf("Status reply missing %q:\n%s", want, reply)
		}
	}
}

func TestCommandHandlerIgnoresOtherChats(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)
	ch := NewCommandHandler(bot, fakeStats{}, nil, nil)

	ch.handleMessage(context.Background(), message(7, "/status"))
	ch.handleMessage(context.Background(), message(42, "hello"))

	if calls := api.calls(); len(calls) != 0 {
		t.Errorf("Expected no replies, got %v", calls)
	}
}

func TestCommandHandlerCaptures(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)
	captures := &fakeCaptures{records: []*database.CaptureRecord{
		{Timestamp: time.Date(2026, 10, 31, 18, 5, 0, 0, time.UTC), Subjects: 2, Status: "stored"},
	}}
	ch := NewCommandHandler(bot, fakeStats{}, captures, nil)

	ch.handleMessage(context.Background(), message(42, "/captures 3"))
	ch.handleMessage(context.Background(), message(42, "/captures 500"))

	if len(api.texts) != 2 {
		t.Fatalf("Expected two replies, got %d", len(api.texts))
	}
	if !strings.Contains(api.texts[0], "Oct 31, 18:05 - 2 subjects, stored") {
		t.Errorf("Captures reply = %s", api.texts[0])
	}
	if captures.limit != 5 {
		t.Errorf("Out of range limit should fall back to 5, got %d", captures.limit)
	}
}

func TestCommandHandlerSnapshot(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, time.Hour)
	frame := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	ch := NewCommandHandler(bot, fakeStats{}, nil, func(ctx context.Context) ([]byte, error) {
		return frame, nil
	})

	// Snapshots bypass the alert cooldown
	ch.handleMessage(context.Background(), message(42, "/snapshot"))
	ch.handleMessage(context.Background(), message(42, "/snapshot"))

	if len(api.photos) != 2 || string(api.photos[0]) != string(frame) {
		t.Errorf("Expected two snapshot photos, got %d", len(api.photos))
	}
}

func TestCommandHandlerSnapshotFailure(t *testing.T) {
	api := &fakeAPI{}
	bot := newTestBot(t, api, 0)
	ch := NewCommandHandler(bot, fakeStats{}, nil, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("camera offline")
	})

	ch.handleMessage(context.Background(), message(42, "/snapshot"))
	if len(api.texts) != 1 || !strings.Contains(api.texts[0], "camera offline") {
		t.Errorf("Expected failure reply, got %v", api.texts)
	}
}

func TestPollUpdatesAdvancesOffset(t *testing.T) {
	api := &fakeAPI{updates: `[{"update_id":10,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"/help"}}]`}
	bot := newTestBot(t, api, 0)
	ch := NewCommandHandler(bot, fakeStats{}, nil, nil)

	if err := ch.pollUpdates(context.Background()); err != nil {
		t.Fatalf("pollUpdates() error: %v", err)
	}
	if ch.lastUpdateID != 10 {
		t.Errorf("lastUpdateID = %d, want 10", ch.lastUpdateID)
	}
	if len(api.texts) != 1 || !strings.Contains(api.texts[0], "/captures") {
		t.Errorf("Expected help reply, got %v", api.texts)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Minute, "5m"},
		{2*time.Hour + 3*time.Minute, "2h 3m"},
		{50 * time.Hour, "2d 2h 0m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
