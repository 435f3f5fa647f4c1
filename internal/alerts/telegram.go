package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"syphon-executor/internal/config"
	"syphon-executor/internal/strategy"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Telegram posts operator notifications. A disabled notifier accepts and
// drops every message.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

// Executed reports a confirmed settlement. Delivery failures are logged.
func (t *Telegram) Executed(ctx context.Context, s strategy.Strategy, txHash string) {
	msg := fmt.Sprintf("Executed %s strategy %s: %s %s -> %s, tx %s",
		s.Type, s.ID, s.Amount.String(), s.AssetIn, s.AssetOut, txHash)
	t.deliver(ctx, s.ID, msg)
}

// Failed reports a strategy that reached FAILED.
func (t *Telegram) Failed(ctx context.Context, s strategy.Strategy, reason string) {
	msg := fmt.Sprintf("Strategy %s (%s) failed permanently: %s", s.ID, s.Type, reason)
	t.deliver(ctx, s.ID, msg)
}

func (t *Telegram) deliver(ctx context.Context, strategyID, msg string) {
	if t == nil {
		return
	}
	if err := t.Send(ctx, msg); err != nil {
		t.log.Warn("alert send failed", zap.String("strategy_id", strategyID), zap.Error(err))
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
