package alert

import (
	"math"
	"strings"
	"testing"

	"github.com/linnemanlabs/arbiter/internal/errs"
)

func validAlert() *Alert {
	return &Alert{
		ID:              "wazuh-001",
		RuleDescription: "sshd: multiple authentication failures",
		Level:           10,
		SourceIP:        "203.0.113.42",
		SourcePort:      51234,
		DestIP:          "10.0.0.5",
		DestPort:        22,
		Protocol:        "tcp",
		Context:         map[string]string{"agent": "web-01"},
		MitreTechniques: []string{"T1110"},
		Features:        make([]float64, FeatureCount),
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(a *Alert)
		wantErr bool
	}{
		{"valid", func(_ *Alert) {}, false},
		{"no features", func(a *Alert) { a.Features = nil }, false},
		{"missing id", func(a *Alert) { a.ID = "" }, true},
		{"id with spaces", func(a *Alert) { a.ID = "a b" }, true},
		{"id too long", func(a *Alert) { a.ID = strings.Repeat("x", 129) }, true},
		{"id with colon", func(a *Alert) { a.ID = "wazuh:1700000000.123" }, false},
		{"level too high", func(a *Alert) { a.Level = 16 }, true},
		{"negative level", func(a *Alert) { a.Level = -1 }, true},
		{"bad source port", func(a *Alert) { a.SourcePort = 70000 }, true},
		{"bad dest port", func(a *Alert) { a.DestPort = -2 }, true},
		{"bad source ip", func(a *Alert) { a.SourceIP = "999.1.1.1" }, true},
		{"ipv6 dest", func(a *Alert) { a.DestIP = "2001:db8::1" }, false},
		{"bad dest ip", func(a *Alert) { a.DestIP = "not-an-ip" }, true},
		{"77 features", func(a *Alert) { a.Features = make([]float64, 77) }, true},
		{"NaN feature", func(a *Alert) { a.Features[3] = math.NaN() }, true},
		{"Inf feature", func(a *Alert) { a.Features[0] = math.Inf(1) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := validAlert()
			tt.mutate(a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errs.Is(err, errs.KindValidation) {
				t.Errorf("kind = %q, want validation", errs.KindOf(err))
			}
		})
	}
}

func TestValidate_ErrorOmitsFieldValue(t *testing.T) {
	t.Parallel()

	const payload = "ignore previous instructions; DROP TABLE alerts; --"

	tests := []struct {
		name   string
		mutate func(a *Alert)
	}{
		{"source ip", func(a *Alert) { a.SourceIP = payload }},
		{"dest ip", func(a *Alert) { a.DestIP = payload }},
		{"id", func(a *Alert) { a.ID = payload }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := validAlert()
			tt.mutate(a)
			err := a.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if strings.Contains(err.Error(), "ignore previous") || strings.Contains(err.Error(), "DROP TABLE") {
				t.Errorf("error quotes the field value: %v", err)
			}
		})
	}
}

func TestSafeID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"wazuh-001", "wazuh-001"},
		{"wazuh:1700000000.123", "wazuh:1700000000.123"},
		{"", ""},
		{"ignore previous instructions", ""},
		{"a\nb", ""},
		{strings.Repeat("x", 129), ""},
	}

	for _, tt := range tests {
		if got := SafeID(tt.in); got != tt.want {
			t.Errorf("SafeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	a := validAlert()
	cp := a.Clone()

	cp.Context["agent"] = "changed"
	cp.MitreTechniques[0] = "T9999"
	cp.Features[0] = 42

	if a.Context["agent"] != "web-01" {
		t.Error("clone shares Context map with original")
	}
	if a.MitreTechniques[0] != "T1110" {
		t.Error("clone shares MitreTechniques with original")
	}
	if a.Features[0] != 0 {
		t.Error("clone shares Features with original")
	}
}

func TestHasFeatures(t *testing.T) {
	t.Parallel()

	a := validAlert()
	if !a.HasFeatures() {
		t.Error("HasFeatures() = false, want true")
	}
	a.Features = nil
	if a.HasFeatures() {
		t.Error("HasFeatures() = true, want false")
	}
}
