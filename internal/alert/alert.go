// Package alert defines the inbound security alert consumed by the triage pipeline.
package alert

import (
	"maps"
	"math"
	"net/netip"
	"regexp"
	"slices"
	"time"

	"github.com/linnemanlabs/arbiter/internal/errs"
)

// FeatureCount is the fixed width of the flow-statistics feature vector the
// classifier was trained on.
const FeatureCount = 78

// MaxLevel is the highest rule level an alert can carry.
const MaxLevel = 15

// IDs are echoed in responses and logs, so they are restricted to a safe charset.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Alert is a single security event awaiting a triage decision. The pipeline
// treats an Alert as immutable: it works on a Clone and never writes back.
type Alert struct {
	ID              string            `json:"alert_id"`
	Timestamp       time.Time         `json:"timestamp"`
	RuleID          string            `json:"rule_id,omitempty"`
	RuleDescription string            `json:"rule_description"`
	Level           int               `json:"rule_level"`
	SourceIP        string            `json:"source_ip,omitempty"`
	SourcePort      int               `json:"source_port,omitempty"`
	SourceHost      string            `json:"source_hostname,omitempty"`
	DestIP          string            `json:"dest_ip,omitempty"`
	DestPort        int               `json:"dest_port,omitempty"`
	DestHost        string            `json:"dest_hostname,omitempty"`
	Protocol        string            `json:"protocol,omitempty"`
	User            string            `json:"user,omitempty"`
	Process         string            `json:"process,omitempty"`
	Command         string            `json:"command,omitempty"`
	FilePath        string            `json:"file_path,omitempty"`
	RawLog          string            `json:"raw_log,omitempty"`
	MitreTechniques []string          `json:"mitre_techniques,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Features        []float64         `json:"features,omitempty"`
}

// Batch is the envelope accepted for multi-alert submissions.
type Batch struct {
	Alerts []Alert `json:"alerts"`
}

// HasFeatures reports whether the alert carries a feature vector for the classifier.
func (a *Alert) HasFeatures() bool {
	return len(a.Features) > 0
}

// Clone returns a deep copy so downstream stages can never alias caller memory.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.MitreTechniques = slices.Clone(a.MitreTechniques)
	cp.Context = maps.Clone(a.Context)
	cp.Features = slices.Clone(a.Features)
	return &cp
}

// Validate rejects malformed alerts. Validation failures are never retried.
func (a *Alert) Validate() error {
	const op = "alert.validate"

	if a.ID == "" {
		return errs.Validation(op, "alert_id is required")
	}
	if !idPattern.MatchString(a.ID) {
		return errs.Validation(op, "alert_id has invalid characters or length")
	}
	if a.Level < 0 || a.Level > MaxLevel {
		return errs.Validation(op, "rule_level %d out of range 0..%d", a.Level, MaxLevel)
	}
	if !validPort(a.SourcePort) {
		return errs.Validation(op, "source_port %d out of range", a.SourcePort)
	}
	if !validPort(a.DestPort) {
		return errs.Validation(op, "dest_port %d out of range", a.DestPort)
	}
	if a.SourceIP != "" {
		if _, err := netip.ParseAddr(a.SourceIP); err != nil {
			return errs.Validation(op, "source_ip is not a valid address")
		}
	}
	if a.DestIP != "" {
		if _, err := netip.ParseAddr(a.DestIP); err != nil {
			return errs.Validation(op, "dest_ip is not a valid address")
		}
	}
	if n := len(a.Features); n != 0 && n != FeatureCount {
		return errs.Validation(op, "features: got %d values, want %d", n, FeatureCount)
	}
	for i, f := range a.Features {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.Validation(op, "features[%d] is not finite", i)
		}
	}
	return nil
}

// SafeID returns id when it is a well-formed alert id and "" otherwise, so
// a rejected id is never logged or echoed back.
func SafeID(id string) string {
	if idPattern.MatchString(id) {
		return id
	}
	return ""
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
