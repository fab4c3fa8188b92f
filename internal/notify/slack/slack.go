// Package slack routes triage results that need a human to Slack via
// incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/arbiter/internal/reasoner"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

const (
	maxAnalysisLen = 3000
	maxActions     = 3
	httpTimeout    = 10 * time.Second
)

// Notifier sends triage results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger.With("component", "slack"),
	}
}

// Routed reports whether a result needs a human: true positives, anything
// needing investigation, and failed runs. Confident false positives are
// closed without a page.
func Routed(r *triage.Result) bool {
	if r.Status == triage.StatusFailed {
		return true
	}
	return r.Status == triage.StatusComplete && r.Verdict != reasoner.FalsePositive
}

// Send posts a routed triage result to the configured Slack webhook.
// Unrouted results and a missing webhook URL return nil immediately.
func (n *Notifier) Send(ctx context.Context, result *triage.Result) error {
	if n.webhookURL == "" || !Routed(result) {
		return nil
	}

	body, err := json.Marshal(buildMessage(result))
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

	n.logger.Info(ctx, "slack notification sent", "triage_id", result.ID, "verdict", result.Verdict)
	return nil
}

func buildMessage(r *triage.Result) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			analysisBlock(r),
			actionsBlock(r),
			contextBlock(r),
		},
	}
}

func headerBlock(r *triage.Result) map[string]any {
	emoji := severityEmoji(r.Status, r.Severity)
	var title string
	switch {
	case r.Status == triage.StatusFailed:
		title = "Triage Failed"
	case r.Verdict == reasoner.TruePositive:
		title = "True Positive"
	default:
		title = "Needs Investigation"
	}

	// plain_text does not render mentions, so no escaping here.
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(fmt.Sprintf("%s %s: %s", emoji, title, r.AlertID), 150),
		},
	}
}

func fieldsBlock(r *triage.Result) map[string]any {
	model := "-"
	if r.Reasoner != nil && r.Reasoner.Model != "" {
		model = shortModel(r.Reasoner.Model)
	}
	field := func(name, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", name, escape(value))}
	}

	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Verdict", string(r.Verdict)),
			field("Severity", string(r.Severity)),
			field("Confidence", fmt.Sprintf("%.0f%%", r.Confidence*100)),
			field("Consensus", string(r.Label)),
			field("Model", model),
			field("Latency", fmt.Sprintf("%.0fms", r.Latency.Total)),
		},
	}
}

func analysisBlock(r *triage.Result) map[string]any {
	var text string
	if v := r.Reasoner; v != nil {
		text = strings.TrimSpace(v.Summary + "\n\n" + v.Reasoning)
	}
	text = truncate(escape(text), maxAnalysisLen)
	if text == "" {
		text = "_No analysis available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Analysis*\n\n" + text,
		},
	}
}

func actionsBlock(r *triage.Result) map[string]any {
	var lines []string
	if r.Reasoner != nil {
		for i, a := range r.Reasoner.Actions {
			if i == maxActions {
				break
			}
			lines = append(lines, fmt.Sprintf("%d. %s", a.Priority, escape(a.Action)))
		}
	}
	text := "_No recommended actions._"
	if len(lines) > 0 {
		text = strings.Join(lines, "\n")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate("*Recommended actions*\n"+text, maxAnalysisLen),
		},
	}
}

func contextBlock(r *triage.Result) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}

	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("arbiter • triage %s • %s", escape(r.ID), ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func severityEmoji(status triage.Status, severity reasoner.Severity) string {
	if status == triage.StatusFailed {
		return "\U0001f534" // red circle
	}
	switch severity {
	case reasoner.SeverityCritical, reasoner.SeverityHigh:
		return "\U0001f534" // red circle
	case reasoner.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

// escape neutralizes Slack control sequences so alert-derived text cannot
// mention users or channels or forge links.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string {
	return escaper.Replace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	// Back up to a rune boundary.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
