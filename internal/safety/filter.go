// Package safety sanitizes externally-controlled alert fields before they
// reach the LLM prompt or any log sink.
//
// Sanitize applies, in order: a length bound, control-character stripping,
// whitespace normalization, secret redaction, and pattern detection. A
// flagged field is replaced with a per-category sentinel. Sanitizing a
// sentinel yields the same flagged result, so Sanitize is idempotent. Text
// that only imitates a sentinel is flagged as instruction injection.
package safety

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/arbiter/internal/alert"
)

// DefaultMaxLength bounds a single field in characters.
const DefaultMaxLength = 10000

// Result is the outcome of sanitizing one field.
type Result struct {
	Clean   string   `json:"clean"`
	Flagged bool     `json:"flagged"`
	Attack  Category `json:"attack,omitempty"`
}

// Finding records a flagged field of an alert. It never carries the value.
type Finding struct {
	Field    string   `json:"field"`
	Category Category `json:"category"`
}

// Hooks are optional callbacks fired per flagged field.
type Hooks struct {
	OnFlag func(field string, c Category)
}

// Filter sanitizes strings and whole alerts.
type Filter struct {
	maxLen int
	audit  AuditTrail
	logger log.Logger
	hooks  Hooks
}

// New returns a Filter. A non-positive maxLen selects DefaultMaxLength and a
// nil audit discards records.
func New(logger log.Logger, maxLen int, audit AuditTrail, hooks Hooks) *Filter {
	if logger == nil {
		logger = log.Nop()
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if audit == nil {
		audit = discardAudit{}
	}
	return &Filter{maxLen: maxLen, audit: audit, logger: logger, hooks: hooks}
}

// MaxLength returns the configured per-field bound.
func (f *Filter) MaxLength() int { return f.maxLen }

// Sanitize cleans one field.
func (f *Filter) Sanitize(field string) Result {
	if field == "" {
		return Result{}
	}
	if c, ok := sentinels[field]; ok {
		return flagged(c)
	}
	if utf8.RuneCountInString(field) > f.maxLen {
		return flagged(CategoryOversized)
	}

	s := strings.ToValidUTF8(field, "")
	s = controlChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}

	// Redaction can lengthen a field past the bound.
	if utf8.RuneCountInString(s) > f.maxLen {
		return flagged(CategoryOversized)
	}
	// Normalization can turn a padded sentinel into a real one.
	if c, ok := sentinels[s]; ok {
		return flagged(c)
	}
	if c := detect(s); c != CategoryNone {
		return flagged(c)
	}
	return Result{Clean: s}
}

func flagged(c Category) Result {
	return Result{Clean: Sentinel(c), Flagged: true, Attack: c}
}

func detect(s string) Category {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.category
		}
	}
	return CategoryNone
}

// SanitizeAlert returns a sanitized clone of al with every string field,
// every context key and value, and every technique id filtered. The
// submitted alert is not modified.
func (f *Filter) SanitizeAlert(ctx context.Context, al *alert.Alert) (*alert.Alert, []Finding) {
	out := al.Clone()
	var findings []Finding

	clean := func(name, value string) string {
		r := f.Sanitize(value)
		if r.Flagged {
			findings = append(findings, Finding{Field: name, Category: r.Attack})
			f.record(ctx, al.ID, name, value, r.Attack)
		}
		return r.Clean
	}

	out.ID = clean("alert_id", al.ID)
	out.RuleID = clean("rule_id", al.RuleID)
	out.RuleDescription = clean("rule_description", al.RuleDescription)
	out.SourceIP = clean("source_ip", al.SourceIP)
	out.SourceHost = clean("source_hostname", al.SourceHost)
	out.DestIP = clean("dest_ip", al.DestIP)
	out.DestHost = clean("dest_hostname", al.DestHost)
	out.Protocol = clean("protocol", al.Protocol)
	out.User = clean("user", al.User)
	out.Process = clean("process", al.Process)
	out.Command = clean("command", al.Command)
	out.FilePath = clean("file_path", al.FilePath)
	out.RawLog = clean("raw_log", al.RawLog)

	for i, t := range al.MitreTechniques {
		out.MitreTechniques[i] = clean(fmt.Sprintf("mitre_techniques[%d]", i), t)
	}

	if len(al.Context) > 0 {
		out.Context = make(map[string]string, len(al.Context))
		for _, k := range slices.Sorted(maps.Keys(al.Context)) {
			key := f.Sanitize(k)
			if key.Flagged {
				findings = append(findings, Finding{Field: "context_key", Category: key.Attack})
				f.record(ctx, al.ID, "context_key", k, key.Attack)
				continue
			}
			out.Context[key.Clean] = clean("context."+key.Clean, al.Context[k])
		}
	}

	return out, findings
}

func (f *Filter) record(ctx context.Context, alertID, field, original string, c Category) {
	f.audit.Record(ctx, NewRecord(alertID, field, original, c))
	f.logger.Warn(ctx, "alert field filtered", "alert_id", alert.SafeID(alertID), "field", field, "category", string(c))
	if f.hooks.OnFlag != nil {
		f.hooks.OnFlag(field, c)
	}
}
