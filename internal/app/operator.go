package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	Phase        string    `json:"phase"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	if !a.alerts.Enabled() {
		a.log.Warn("telegram operator disabled: telegram alerts are off")
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUsers))
	for _, id := range a.cfg.Telegram.OperatorAllowedUsers {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /status@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, _ []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		changed := a.tracker.Pause()
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, !changed, true))
		if changed {
			return "opening paused; hedges still close on negative funding", nil
		}
		return "opening already paused", nil
	case "resume":
		changed := a.tracker.Resume()
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, changed, false))
		if changed {
			return "opening resumed", nil
		}
		return "opening already active", nil
	case "risk":
		return a.riskStatus(ctx)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) auditEvent(action string, meta operatorMeta, pausedBefore, pausedAfter bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		Phase:        string(a.tracker.Snapshot().Phase),
		PausedBefore: pausedBefore,
		PausedAfter:  pausedAfter,
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil || a.tracker == nil {
		return "status unavailable"
	}
	asset := a.cfg.Strategy.Asset
	st := a.tracker.Snapshot()
	lines := []string{
		fmt.Sprintf("asset: %s", asset),
		fmt.Sprintf("phase: %s", st.Phase),
		fmt.Sprintf("legs: spot_open=%t perp_open=%t", st.SpotOpen, st.PerpOpen),
		fmt.Sprintf("paused: %t", a.tracker.Paused()),
	}
	if a.account != nil {
		lines = append(lines,
			"spot_balance: "+orNA(a.account.SpotBalance(ctx, asset)),
			"perp_position: "+orNA(a.account.PerpPosition(ctx, asset)),
		)
	}
	if a.market != nil {
		rate, err := a.market.FundingRate(ctx, asset)
		if err != nil {
			lines = append(lines, "funding_rate: n/a")
		} else {
			lines = append(lines, fmt.Sprintf("funding_rate: %s (%s%% annualized)", rate, strategy.AnnualizedRate(rate).Shift(2).StringFixed(2)))
			if a.account != nil && st.PerpOpen {
				if value, err := a.account.PositionValue(ctx, asset); err == nil {
					lines = append(lines,
						fmt.Sprintf("position_value: %s", value.StringFixed(2)),
						fmt.Sprintf("expected_hourly_funding: %s", strategy.ExpectedFunding(value, rate).StringFixed(4)),
					)
				}
			}
		}
		if mark := a.market.MarkPrice(ctx, asset); mark.IsPositive() {
			lines = append(lines, fmt.Sprintf("mark_price: %s", mark))
		} else {
			lines = append(lines, "mark_price: n/a")
		}
	}
	if cp, ok, err := state.LoadCheckpoint(ctx, a.store); err == nil && ok {
		lines = append(lines, fmt.Sprintf("last_step: %s at %s", cp.Step, time.UnixMilli(cp.UpdatedAtMS).UTC().Format(time.RFC3339)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus(ctx context.Context) (string, error) {
	if a.risk == nil || a.tracker == nil {
		return "risk monitor not running", nil
	}
	if !a.tracker.Snapshot().PerpOpen {
		return "perp leg closed, nothing to check", nil
	}
	res, err := a.risk.Check(ctx)
	if err != nil {
		return "", err
	}
	snap := res.Snapshot
	liq := "n/a"
	if snap.LiquidationPrice.Valid {
		liq = snap.LiquidationPrice.Decimal.String()
	}
	return strings.Join([]string{
		fmt.Sprintf("account_value: %s", snap.AccountValue.StringFixed(2)),
		fmt.Sprintf("maintenance_margin: %s", snap.MaintenanceMarginUsed.StringFixed(2)),
		fmt.Sprintf("warning_threshold: %s", res.Threshold.StringFixed(2)),
		fmt.Sprintf("mark_price: %s", snap.MarkPrice),
		fmt.Sprintf("liquidation_price: %s", liq),
		fmt.Sprintf("margin_warning: %t", res.MarginWarning),
		fmt.Sprintf("liquidation_warning: %t", res.LiquidationWarning),
	}, "\n"), nil
}

func orNA(v decimal.Decimal, err error) string {
	if err != nil {
		return "n/a"
	}
	return v.String()
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - position phase, balances and funding",
		"/pause - stop opening new hedges",
		"/resume - allow opening again",
		"/risk - run a margin and liquidation check now",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
