package safety

import "regexp"

// Category names the class of attack a field was flagged for.
type Category string

const (
	CategoryNone                 Category = ""
	CategoryOversized            Category = "oversized"
	CategorySQLInjection         Category = "sql_injection"
	CategoryCommandInjection     Category = "command_injection"
	CategorySystemOverride       Category = "system_override"
	CategoryRoleSwitch           Category = "role_switch"
	CategoryJailbreak            Category = "jailbreak"
	CategoryInstructionInjection Category = "instruction_injection"
	CategoryOutputManipulation   Category = "output_manipulation"
)

// Categories lists every flaggable category in detection order.
var Categories = []Category{
	CategoryOversized,
	CategorySQLInjection,
	CategoryCommandInjection,
	CategorySystemOverride,
	CategoryRoleSwitch,
	CategoryJailbreak,
	CategoryInstructionInjection,
	CategoryOutputManipulation,
}

// Sentinel is the fixed replacement for a field flagged as c.
func Sentinel(c Category) string {
	return "[filtered:" + string(c) + "]"
}

var sentinels = func() map[string]Category {
	m := make(map[string]Category, len(Categories))
	for _, c := range Categories {
		m[Sentinel(c)] = c
	}
	return m
}()

type pattern struct {
	re       *regexp.Regexp
	category Category
}

// Detection patterns, checked in order; the first match decides the category.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)\bUNION\b.*\bSELECT\b`), CategorySQLInjection},
	{regexp.MustCompile(`(?i)\bDROP\b.*\bTABLE\b`), CategorySQLInjection},
	{regexp.MustCompile(`(?i);\s*DROP\b`), CategorySQLInjection},
	{regexp.MustCompile(`(?i)'\s*OR\s+'?\d+'?\s*=\s*'?\d+`), CategorySQLInjection},
	{regexp.MustCompile(`--\s*$`), CategorySQLInjection},

	{regexp.MustCompile(`\$\(.*\)`), CategoryCommandInjection},
	{regexp.MustCompile("`.*`"), CategoryCommandInjection},
	{regexp.MustCompile(`;\s*(ls|cat|wget|curl|chmod)\b`), CategoryCommandInjection},
	{regexp.MustCompile(`\|\s*(ba|z)?sh\b`), CategoryCommandInjection},
	{regexp.MustCompile(`&&\s*(wget|curl|chmod|rm)\b`), CategoryCommandInjection},

	{regexp.MustCompile(`(?i)ignore\s+(previous|all)\s+(instructions|prompts)`), CategorySystemOverride},
	{regexp.MustCompile(`(?i)disregard\s+(previous|all)\s+(instructions|prompts)`), CategorySystemOverride},

	{regexp.MustCompile(`(?i)you\s+are\s+now`), CategoryRoleSwitch},
	{regexp.MustCompile(`(?i)\bact\s+as\s+(an?|the|if|though)\b`), CategoryRoleSwitch},
	{regexp.MustCompile(`(?i)pretend\s+(you|to)\s+are`), CategoryRoleSwitch},

	{regexp.MustCompile(`(?i)DAN\s+mode`), CategoryJailbreak},
	{regexp.MustCompile(`(?i)developer\s+mode`), CategoryJailbreak},
	{regexp.MustCompile(`(?i)sudo\s+mode`), CategoryJailbreak},

	{regexp.MustCompile(`(?i)new\s+instructions?:`), CategoryInstructionInjection},
	{regexp.MustCompile(`(?i)system\s*:`), CategoryInstructionInjection},
	{regexp.MustCompile(`(?i)\\n\\nHuman:`), CategoryInstructionInjection},
	{regexp.MustCompile(`(?i)\[\s*filtered\s*:`), CategoryInstructionInjection},

	{regexp.MustCompile(`(?i)output\s+your\s+(prompt|instructions)`), CategoryOutputManipulation},
	{regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system|original)\s+(prompt|instructions)`), CategoryOutputManipulation},
}

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Secret redactions. Each replacement is a fixed point of its own pattern.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret)\s*[:=]\s*[\w\-]+`), "${1}=***REDACTED***"},
	{regexp.MustCompile(`(?i)(Bearer|Authorization:\s*Bearer)\s+[\w\-.]+`), "${1} ***REDACTED***"},
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	whitespace   = regexp.MustCompile(`\s+`)
)
