package policy

import "regexp"

type namedRegex struct {
	name string
	re   *regexp.Regexp
}

// Destructive shell commands and dynamic code execution.
var builtinPatterns = []string{
	`rm\s+-rf\s+/`,
	`sudo\s+rm`,
	`eval\(`,
	`exec\(`,
	`system\(`,
	`subprocess\.call`,
	`os\.system`,
	`__import__\(`,
	`importlib`,
}

var builtinDomains = []string{
	"evil.com",
	"malware.com",
	"phishing.com",
}

var unsafeOptionKeys = []string{"unsafe", "bypass_security"}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

var secretDetectors = []namedRegex{
	{name: "api_key", re: regexp.MustCompile(`\b(?:sk-[A-Za-z0-9]{20,}|AKIA[A-Z0-9]{16}|ghp_[A-Za-z0-9]{36}|glpat-[A-Za-z0-9\-]{20,})\b`)},
	{name: "private_key", re: regexp.MustCompile(`-----BEGIN\s+[A-Z\s]*PRIVATE\s+KEY-----`)},
	{name: "password_literal", re: regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`)},
}
