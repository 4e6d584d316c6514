// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package approval

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Severity orders command risk from none to critical.
type Severity int

// Severity levels.
const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

var criticalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-z]*[rf][a-z]*\s+)+`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`--no-preserve-root`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`\bmkfs\b|\bfdisk\b|\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`),
	regexp.MustCompile(`(wget|curl)[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`\bgit\s+push\s+.*--force`),
}

var highPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsudo\b|\bsu\s`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\b(kill|killall|pkill)\b`),
	regexp.MustCompile(`\b(apt|apt-get|yum|dnf|brew)\s+(install|remove|purge)`),
	regexp.MustCompile(`\bnpm\s+(install|uninstall)\s+(-g|--global)`),
	regexp.MustCompile(`\bpip3?\s+install\b`),
	regexp.MustCompile(`\brm\b`),
}

var mediumPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bgit\s+(push|reset|rebase|checkout\s+--|clean)`),
	regexp.MustCompile(`\bmv\b|\bcp\s+-[a-z]*r`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bdocker\s+(rm|rmi|system\s+prune)`),
	regexp.MustCompile(`>\s*\S`),
}

// AnalyzeCommand classifies a terminal command. Pure function; the gate
// decision combines this with the session's auto-approve flag.
func AnalyzeCommand(command string) Severity {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return SeverityNone
	}

	for _, p := range criticalPatterns {
		if p.MatchString(trimmed) {
			return SeverityCritical
		}
	}
	for _, p := range highPatterns {
		if p.MatchString(trimmed) {
			return SeverityHigh
		}
	}
	for _, p := range mediumPatterns {
		if p.MatchString(trimmed) {
			return SeverityMedium
		}
	}
	return SeverityLow
}

// MatchesSensitivePattern reports whether a file path matches any of the
// session's sensitive glob patterns (".env*", "*.pem", ...). Patterns match
// against the base name and the full relative path.
func MatchesSensitivePattern(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
