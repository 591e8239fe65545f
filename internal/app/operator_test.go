package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/strategy"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) keysWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

func newOperatorApp(store *memoryStore) *App {
	return &App{
		log:     zap.NewNop(),
		store:   store,
		tracker: strategy.NewTracker(strategy.TrackerConfig{Asset: "HYPE"}, strategy.Deps{}, nil, nil),
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestParseOperatorCommandStripsBotName(t *testing.T) {
	cmd, _, ok := parseOperatorCommand("/Pause@arb_bot")
	if !ok || cmd != "pause" {
		t.Fatalf("expected pause, got %q ok=%t", cmd, ok)
	}
	if _, _, ok := parseOperatorCommand("status"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	store := &memoryStore{data: make(map[string]string)}
	app := newOperatorApp(store)
	meta := operatorMeta{UpdateID: 1, UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if !strings.HasPrefix(resp, "opening paused") {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.tracker.Paused() {
		t.Fatalf("expected paused")
	}
	meta.UpdateID = 2
	resp, _ = app.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if resp != "opening already paused" {
		t.Fatalf("unexpected second pause response: %s", resp)
	}

	meta.UpdateID = 3
	meta.Raw = "/resume"
	resp, err = app.handleOperatorCommand(context.Background(), "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "opening resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.tracker.Paused() {
		t.Fatalf("expected resumed")
	}

	keys := store.keysWithPrefix("ops:audit:")
	if len(keys) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(keys))
	}
	var event operatorAuditEvent
	if err := json.Unmarshal([]byte(store.data[keys[0]]), &event); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if event.Phase != string(strategy.PhaseFlat) {
		t.Fatalf("expected FLAT phase in audit, got %q", event.Phase)
	}
}

func TestOperatorRiskWithoutMonitor(t *testing.T) {
	app := newOperatorApp(&memoryStore{})
	resp, err := app.handleOperatorCommand(context.Background(), "risk", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("risk error: %v", err)
	}
	if resp != "risk monitor not running" {
		t.Fatalf("unexpected risk response: %s", resp)
	}
}

func TestOperatorUnknownCommandShowsHelp(t *testing.T) {
	app := newOperatorApp(&memoryStore{})
	resp, err := app.handleOperatorCommand(context.Background(), "close", nil, operatorMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp, "/pause") {
		t.Fatalf("expected help text, got %s", resp)
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	store := &memoryStore{}
	app := newOperatorApp(store)
	ctx := context.Background()
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 42)
	if got := app.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = store.Set(ctx, operatorOffsetKey, "garbage")
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset for garbage, got %d", got)
	}
}

func TestHandleOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app := newOperatorApp(&memoryStore{})
	app.alerts = alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop())
	allowed := map[int64]struct{}{7: {}}
	ctx := context.Background()

	update := func(id, chat, user int64, text string) alerts.Update {
		return alerts.Update{UpdateID: id, Message: &alerts.Message{
			From: &alerts.User{ID: user},
			Chat: &alerts.Chat{ID: chat},
			Text: text,
		}}
	}
	app.handleOperatorUpdate(ctx, update(1, 3, 7, "/pause"), 2, allowed)
	app.handleOperatorUpdate(ctx, update(2, 2, 8, "/pause"), 2, allowed)
	app.handleOperatorUpdate(ctx, update(3, 2, 7, "pause please"), 2, allowed)
	if app.tracker.Paused() {
		t.Fatalf("expected foreign chat, foreign user and plain text to be ignored")
	}
	app.handleOperatorUpdate(ctx, update(4, 2, 7, "/pause"), 2, allowed)
	if !app.tracker.Paused() {
		t.Fatalf("expected allowed user to pause")
	}
}
