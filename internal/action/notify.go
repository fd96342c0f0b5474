package action

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/config"
)

// Notifier delivers one rendered message over a channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, title, text string) error
}

// BuildNotifiers wires every configured channel.
func BuildNotifiers(cfg config.Notifiers) []Notifier {
	var notifiers []Notifier
	if cfg.Console.IsEnabled {
		notifiers = append(notifiers, &ConsoleNotifier{})
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: parseDurationDefault(cfg.Webhook.Timeout, 5*time.Second),
		})
	}
	if cfg.WeChat.Webhook != "" {
		notifiers = append(notifiers, &WeChatNotifier{
			Webhook: cfg.WeChat.Webhook,
			Timeout: parseDurationDefault(cfg.WeChat.Timeout, 5*time.Second),
		})
	}
	if cfg.DingTalk.Webhook != "" {
		notifiers = append(notifiers, &DingTalkNotifier{
			Webhook: cfg.DingTalk.Webhook,
			Secret:  cfg.DingTalk.Secret,
			Timeout: parseDurationDefault(cfg.DingTalk.Timeout, 5*time.Second),
		})
	}
	if cfg.Email.Host != "" && cfg.Email.From != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, &EmailNotifier{
			Host: cfg.Email.Host, Port: cfg.Email.Port,
			Username: cfg.Email.User, Password: cfg.Email.Pass,
			From: cfg.Email.From, To: cfg.Email.To,
			UseTLS:  cfg.Email.UseTLS,
			Timeout: parseDurationDefault(cfg.Email.Timeout, 10*time.Second),
		})
	}
	return notifiers
}

// ConsoleNotifier logs the message instead of delivering it. Used in dev
// setups and as a last-resort channel when nothing else is configured.
type ConsoleNotifier struct{}

func (c *ConsoleNotifier) Name() string { return "console" }

func (c *ConsoleNotifier) Send(_ context.Context, title, text string) error {
	log.Info().Str("title", title).Str("text", text).Msg("console notice")
	return nil
}

type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, title, text string) error {
	body := map[string]any{
		"title":   title,
		"message": text,
		"ts":      time.Now().Format(time.RFC3339),
	}
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: w.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	return nil
}

type WeChatNotifier struct {
	Webhook string
	Timeout time.Duration
}

func (w *WeChatNotifier) Name() string { return "wechat" }

func (w *WeChatNotifier) Send(ctx context.Context, title, text string) error {
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": fmt.Sprintf("**%s**\n%s", title, text),
		},
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Webhook, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: w.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("wechat webhook status=%d", resp.StatusCode)
	}
	return nil
}

type DingTalkNotifier struct {
	Webhook string
	Secret  string
	Timeout time.Duration
}

func (d *DingTalkNotifier) Name() string { return "dingtalk" }

func (d *DingTalkNotifier) Send(ctx context.Context, title, text string) error {
	webhookURL := d.Webhook
	if d.Secret != "" {
		webhookURL = d.addSign(webhookURL, d.Secret)
	}
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": title,
			"text":  fmt.Sprintf("**%s**\n\n%s", title, text),
		},
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: d.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dingtalk webhook status=%d body=%s", resp.StatusCode, string(body))
	}
	// dingtalk returns 200 on failure too; errcode carries the verdict
	var res struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &res); err == nil && res.ErrCode != 0 {
		return fmt.Errorf("dingtalk webhook errcode=%d errmsg=%s", res.ErrCode, res.ErrMsg)
	}
	return nil
}

func (d *DingTalkNotifier) addSign(webhookURL, secret string) string {
	timestamp := strconv.FormatInt(time.Now().UnixNano()/1e6, 10)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + "\n" + secret))
	sign := base64.StdEncoding.EncodeToString(h.Sum(nil))
	u, err := url.Parse(webhookURL)
	if err != nil {
		return webhookURL
	}
	q := u.Query()
	q.Set("timestamp", timestamp)
	q.Set("sign", sign)
	u.RawQuery = q.Encode()
	return u.String()
}

type EmailNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	UseTLS   bool
	Timeout  time.Duration
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Send(_ context.Context, title, text string) error {
	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	msg := strings.Join([]string{
		"From: " + e.From,
		"To: " + strings.Join(e.To, ","),
		"Subject: " + title,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		text,
	}, "\r\n")

	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}
	if !e.UseTLS {
		return smtp.SendMail(addr, auth, e.From, e.To, []byte(msg))
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.Host})
	if err != nil {
		return err
	}
	defer conn.Close()
	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		return err
	}
	defer c.Quit()
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(e.From); err != nil {
		return err
	}
	for _, to := range e.To {
		if err := c.Rcpt(to); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		return err
	}
	return wc.Close()
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
