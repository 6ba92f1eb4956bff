// Package notify delivers session and error notifications over SMTP
// and an optional JSON webhook. Delivery failures are logged, never
// propagated; a broken sink must not affect compression.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/events"
)

const webhookTimeout = 15 * time.Second

// Notifier fans a message out to the configured sinks.
type Notifier struct {
	mu      sync.RWMutex
	cfg     config.NotificationConfig
	tempDir string
	bus     *events.Bus
	client  *http.Client
	log     hclog.Logger

	// Overridable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a notifier. The bus may be nil.
func New(cfg config.NotificationConfig, tempDir string, bus *events.Bus, log hclog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		tempDir:  tempDir,
		bus:      bus,
		client:   &http.Client{Timeout: webhookTimeout},
		log:      log.Named("notify"),
		sendMail: smtp.SendMail,
	}
}

// UpdateConfig swaps the sink settings, applied on configuration
// reload.
func (n *Notifier) UpdateConfig(cfg config.NotificationConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// Send delivers message at level ("info" or "error") to each enabled
// and applicable sink, and records it on the event bus.
func (n *Notifier) Send(message, level string) {
	n.mu.RLock()
	cfg := n.cfg
	n.mu.RUnlock()

	email := cfg.Email
	if email.Enabled && ((level == "error" && email.OnError) || (level == "info" && email.OnCompletion)) {
		subject := fmt.Sprintf("Media Compressor %s", titleCase(level))
		if err := n.sendEmail(email, subject, message); err != nil {
			n.log.Error("failed to send email notification", "error", err)
		}
	}

	webhook := cfg.Webhook
	if webhook.Enabled && ((level == "error" && webhook.OnError) || (level == "info" && webhook.OnCompletion)) {
		if err := n.sendWebhook(webhook, message, level); err != nil {
			n.log.Error("failed to send webhook notification", "error", err)
		}
	}

	if n.bus != nil {
		n.bus.Publish("notification_"+level, message, level)
	}
}

// SessionCompleted formats and sends the end-of-session summary.
func (n *Notifier) SessionCompleted(filesProcessed, errors int, originalBytes, compressedBytes int64, duration time.Duration) {
	saved := originalBytes - compressedBytes
	savings := 0.0
	if originalBytes > 0 {
		savings = float64(saved) / float64(originalBytes) * 100
	}
	message := fmt.Sprintf(
		"Compression session finished: %d files processed, %d errors, %.1f GB saved (%.1f%%), duration %s",
		filesProcessed, errors, float64(saved)/(1024*1024*1024), savings, duration.Round(time.Second))
	n.Send(message, "info")
}

func (n *Notifier) sendEmail(cfg config.EmailConfig, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		cfg.FromAddr, cfg.ToAddr, subject, body)

	addr := fmt.Sprintf("%s:%d", cfg.SMTPServer, cfg.SMTPPort)
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPServer)

	// smtp.SendMail negotiates STARTTLS when the server offers it.
	if err := n.sendMail(addr, auth, cfg.FromAddr, []string{cfg.ToAddr}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}

	n.log.Info("email notification sent", "subject", subject)
	return nil
}

func (n *Notifier) sendWebhook(cfg config.WebhookConfig, message, level string) error {
	payload := map[string]interface{}{
		"level":       level,
		"message":     message,
		"timestamp":   time.Now().Format(time.RFC3339),
		"system_info": n.systemInfo(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	resp, err := n.client.Post(cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.log.Info("webhook notification sent")
	return nil
}

func (n *Notifier) systemInfo() map[string]interface{} {
	info := make(map[string]interface{})
	if hostname, err := host.Info(); err == nil {
		info["hostname"] = hostname.Hostname
	}
	if usage, err := disk.Usage(n.tempDir); err == nil {
		info["free_space_gb"] = float64(usage.Free) / (1024 * 1024 * 1024)
	}
	return info
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}
