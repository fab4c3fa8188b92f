package reasoner

import (
	"cmp"
	"errors"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/arbiter/internal/errs"
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// extractObject returns the outermost {...} span of text. Surrounding prose
// and code fences fall outside it.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// Parse reads a model response into a Verdict. Severity defaults to medium
// and category to "other"; confidence and a verdict or is_true_positive are
// required.
func Parse(text string) (Verdict, error) {
	const op = "reasoner.parse"

	raw, ok := extractObject(text)
	if !ok || !gjson.Valid(raw) {
		return Verdict{}, errs.E(errs.KindParse, op, ErrNoJSON)
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return Verdict{}, errs.E(errs.KindParse, op, ErrNoJSON)
	}

	conf := doc.Get("confidence")
	if conf.Type != gjson.Number {
		return Verdict{}, errs.E(errs.KindParse, op, errors.New("confidence missing or not a number"))
	}

	v := Verdict{
		Severity:            parseSeverity(doc.Get("severity").String()),
		Confidence:          min(max(conf.Float(), 0), 1),
		Category:            cmp.Or(doc.Get("category").String(), "other"),
		Summary:             doc.Get("summary").String(),
		Reasoning:           doc.Get("detailed_analysis").String(),
		Impact:              doc.Get("potential_impact").String(),
		FalsePositiveReason: doc.Get("false_positive_reason").String(),
	}
	if p := doc.Get("investigation_priority"); p.Exists() {
		v.InvestigationPriority = int(min(max(p.Int(), 1), 5))
	}

	disp, ok := parseDisposition(doc.Get("verdict").String())
	tp := doc.Get("is_true_positive")
	switch {
	case ok:
		v.Verdict = disp
	case tp.Type == gjson.True || tp.Type == gjson.False:
		v.Verdict = FalsePositive
		if tp.Bool() {
			v.Verdict = TruePositive
		}
	default:
		return Verdict{}, errs.E(errs.KindParse, op, errors.New("no verdict or is_true_positive"))
	}
	if strings.Contains(v.Summary, "INSUFFICIENT_DATA") {
		v.Verdict = NeedsInvestigation
	}
	v.IsTruePositive = v.Verdict == TruePositive

	doc.Get("iocs").ForEach(func(_, ioc gjson.Result) bool {
		ind := Indicator{
			Type:  strings.ToLower(ioc.Get("ioc_type").String()),
			Value: ioc.Get("value").String(),
		}
		if ioc.Type == gjson.String {
			ind = Indicator{Type: "unknown", Value: ioc.String()}
		}
		if c := ioc.Get("confidence"); c.Exists() {
			ind.Confidence = min(max(c.Float(), 0), 1)
		}
		if ind.Value != "" {
			v.Indicators = append(v.Indicators, ind)
		}
		return true
	})

	doc.Get("recommendations").ForEach(func(_, rec gjson.Result) bool {
		a := Action{
			Action:    rec.Get("action").String(),
			Priority:  int(min(max(rec.Get("priority").Int(), 1), 5)),
			Rationale: rec.Get("rationale").String(),
		}
		if rec.Type == gjson.String {
			a = Action{Action: rec.String(), Priority: 3}
		}
		if a.Action != "" {
			v.Actions = append(v.Actions, a)
		}
		return true
	})
	slices.SortStableFunc(v.Actions, func(a, b Action) int { return cmp.Compare(a.Priority, b.Priority) })

	v.MitreTechniques = stringArray(doc.Get("mitre_techniques"))
	v.MitreTactics = stringArray(doc.Get("mitre_tactics"))
	return v, nil
}

func stringArray(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, s gjson.Result) bool {
		if s.String() != "" {
			out = append(out, s.String())
		}
		return true
	})
	return out
}

func parseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInformational:
		return sev
	}
	return SeverityMedium
}

func parseDisposition(s string) (Disposition, bool) {
	d := Disposition(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch d {
	case TruePositive, FalsePositive, NeedsInvestigation:
		return d, true
	}
	return "", false
}
