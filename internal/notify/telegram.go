// Package notify contains the alert sinks: Telegram, MQTT and SNS, plus the
// lifecycle pings and the daily heartbeat.
package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

// TelegramSink forwards alert transitions to one or more chats. RAISE is
// rate-limited per key by the cooldown; RESOLVE is always forwarded and
// clears the cooldown.
type TelegramSink struct {
	cfg     config.Telegram
	targets []string
	http    *http.Client
	apiBase string // overridable in tests

	mu       sync.Mutex
	lastSent map[string]int64 // key -> epoch ms of the last RAISE sent

	now func() time.Time
}

func NewTelegramSink(cfg config.Telegram) *TelegramSink {
	var targets []string
	for _, id := range strings.Split(cfg.ChatIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			targets = append(targets, id)
		}
	}
	log.Info().Bool("enabled", cfg.Enabled).Bool("token_set", cfg.BotToken != "").
		Int("targets", len(targets)).Msg("telegram_sink_registered")
	return &TelegramSink{
		cfg:      cfg,
		targets:  targets,
		http:     &http.Client{Timeout: 10 * time.Second},
		apiBase:  "https://api.telegram.org",
		lastSent: make(map[string]int64),
		now:      time.Now,
	}
}

func (t *TelegramSink) enabled() bool {
	return t.cfg.Enabled && t.cfg.BotToken != "" && len(t.targets) > 0
}

func (t *TelegramSink) OnRaise(a alert.View) {
	if !t.enabled() {
		return
	}
	now := t.now().UnixMilli()
	t.mu.Lock()
	last, seen := t.lastSent[a.Key]
	if seen && now-last < t.cfg.CooldownMs {
		t.mu.Unlock()
		return
	}
	t.lastSent[a.Key] = now
	t.mu.Unlock()

	text := t.header() +
		"⚠️ *" + a.Severity.String() + "* `" + esc(a.Key) + "`\n" +
		esc(a.Message) + "\n" +
		"_firstSeen:_ " + time.UnixMilli(a.FirstSeen).UTC().Format(time.RFC3339) + "\n" +
		"_lastSeen:_ " + time.UnixMilli(a.LastSeen).UTC().Format(time.RFC3339)
	if !t.sendToAll(text) {
		t.mu.Lock()
		delete(t.lastSent, a.Key) // failed send should not eat the cooldown
		t.mu.Unlock()
	}
}

func (t *TelegramSink) OnResolve(a alert.View) {
	if !t.enabled() {
		return
	}
	text := t.header() +
		"✅ *RECOVERED* `" + esc(a.Key) + "`\n" +
		"_lastSeen:_ " + time.UnixMilli(a.LastSeen).UTC().Format(time.RFC3339)
	t.sendToAll(text)
	t.mu.Lock()
	delete(t.lastSent, a.Key)
	t.mu.Unlock()
}

// SendWithPrefix sends a free-form markdown message (lifecycle pings,
// heartbeat) to every chat.
func (t *TelegramSink) SendWithPrefix(markdown string) bool {
	if !t.enabled() {
		return false
	}
	return t.sendToAll(t.header() + markdown)
}

func (t *TelegramSink) header() string {
	if t.cfg.Prefix == "" {
		return ""
	}
	return "*" + esc(t.cfg.Prefix) + "*\n"
}

func (t *TelegramSink) sendToAll(markdown string) bool {
	ok := true
	for _, chatID := range t.targets {
		if !t.sendOne(chatID, markdown) {
			ok = false
		}
	}
	return ok
}

func (t *TelegramSink) sendOne(chatID, markdown string) bool {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("parse_mode", "Markdown")
	form.Set("text", markdown)

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.cfg.BotToken)
	resp, err := t.http.PostForm(endpoint, form)
	if err != nil {
		log.Warn().Str("chat", chatID).Err(err).Msg("telegram_send_err")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Warn().Str("chat", chatID).Int("status", resp.StatusCode).Msg("telegram_send_failed")
		return false
	}
	log.Debug().Str("chat", chatID).Msg("telegram_sent")
	return true
}

func esc(s string) string {
	r := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`")
	return r.Replace(s)
}
