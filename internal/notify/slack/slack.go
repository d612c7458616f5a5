// Package slack posts supervisor notices to Slack via incoming webhooks.
// Only tier-1 and tier-2 lifecycle events reach this package; the service
// filters before calling Send.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

const (
	maxBriefLen = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends lifecycle events to a Slack webhook. It implements
// crisis.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a lifecycle event to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, ev *crisis.LifecycleEvent) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(ev)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(ev *crisis.LifecycleEvent) map[string]any {
	blocks := []map[string]any{
		headerBlock(ev),
		{"type": "divider"},
		fieldsBlock(ev),
	}
	if b := briefBlock(ev.Alert); b != nil {
		blocks = append(blocks, map[string]any{"type": "divider"}, b)
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(ev.Alert))

	return map[string]any{"blocks": blocks}
}

func headerBlock(ev *crisis.LifecycleEvent) map[string]any {
	a := ev.Alert
	text := fmt.Sprintf("%s Tier %d Alert %s: %s",
		tierEmoji(a.Tier), a.Tier, kindTitle(ev.Kind), a.PersonName)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(ev *crisis.LifecycleEvent) map[string]any {
	a := ev.Alert
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", a.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", a.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Person:* %s", a.PersonName),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Responder:* %s", orDash(a.AssignedResponderName)),
		},
	}
	if ev.Actor != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*By:* %s", ev.Actor),
		})
	}
	if len(a.TriggerTerms) > 0 {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Terms:* %s", strings.Join(a.TriggerTerms, ", ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func briefBlock(a *crisis.Alert) map[string]any {
	if a.Brief == "" {
		return nil
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Brief*\n\n%s", truncate(a.Brief, maxBriefLen)),
		},
	}
}

func contextBlock(a *crisis.Alert) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("lifeline • alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func kindTitle(kind string) string {
	switch kind {
	case "created":
		return "Created"
	case "escalated":
		return "Escalated"
	case "resolved":
		return "Resolved"
	}
	return kind
}

func tierEmoji(t crisis.Tier) string {
	if t == crisis.TierCritical {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e1" // yellow circle
}

func orDash(s string) string {
	if s == "" {
		return "unassigned"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
