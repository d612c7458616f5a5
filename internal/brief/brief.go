// Package brief generates a short AI situation summary for responders from
// an alert's evidence. It summarizes what the detectors already decided; it
// never classifies or decides whether something is a crisis.
package brief

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lifeline/internal/crisis"
)

const maxBriefTokens = 512

const systemPrompt = `You write one-paragraph situation briefs for crisis responders at a
recovery-support service. Summarize the evidence plainly: what triggered the
alert, how urgent it is, and what the responder should look at first. Do not
diagnose, do not speculate beyond the evidence, do not address the person in
crisis. Three sentences maximum.`

// Generator produces responder briefs via the Claude API. It implements
// crisis.Summarizer.
type Generator struct {
	client anthropic.Client
	model  anthropic.Model
	logger log.Logger
}

// New creates a brief generator. Callers should only construct one when an
// API key is configured; briefs are optional everywhere.
func New(apiKey, model string, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Generator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		logger: logger,
	}
}

// Brief returns a short situation summary for the alert.
func (g *Generator) Brief(ctx context.Context, a *crisis.Alert) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxBriefTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(a))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("claude returned no text content")
	}

	g.logger.Info(ctx, "brief generated",
		"alert_id", a.ID,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	return out, nil
}

func buildPrompt(a *crisis.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert source: %s\nTier: %d\nPerson: %s\n", a.Source, a.Tier, a.PersonName)
	if len(a.TriggerTerms) > 0 {
		fmt.Fprintf(&sb, "Trigger terms: %s\n", strings.Join(a.TriggerTerms, ", "))
	}
	if a.Context != "" {
		fmt.Fprintf(&sb, "Context: %s\n", a.Context)
	}
	if a.FullMessage != "" {
		fmt.Fprintf(&sb, "Full message: %s\n", a.FullMessage)
	}

	switch {
	case a.PanicButton != nil:
		fmt.Fprintf(&sb, "Panic button pressed from %s", a.PanicButton.Origin)
		if a.PanicButton.Geolocation != "" {
			fmt.Fprintf(&sb, " at %s", a.PanicButton.Geolocation)
		}
		sb.WriteString("\n")
	case a.AIDetection != nil:
		fmt.Fprintf(&sb, "Flagged by AI feature %q", a.AIDetection.Feature)
		if a.AIDetection.ResponseSuppressed {
			sb.WriteString(" (automated response was suppressed)")
		}
		sb.WriteString("\n")
	case a.Checkin != nil:
		fmt.Fprintf(&sb, "Check-in risk score %d", a.Checkin.RiskScore)
		if len(a.Checkin.TriggeredFields) > 0 {
			fmt.Fprintf(&sb, ", triggered by: %s", strings.Join(a.Checkin.TriggeredFields, ", "))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nWrite the responder brief.")
	return sb.String()
}
