// Package template checks a file's name and header against a source's
// template rule.
package template

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Mismatch reasons.
const (
	ReasonNameMismatch   = "name_mismatch"
	ReasonMissingColumns = "missing_columns"
)

// Rule is a filename pattern plus required columns. Either may be empty.
type Rule struct {
	FilenamePattern string
	RequiredColumns []string
}

// Verdict is the outcome of Validate.
type Verdict struct {
	OK      bool
	Reason  string
	Missing []string
	Message string
}

// Validate checks name and columns against rule. A nil rule always passes.
func Validate(name string, columns []string, rule *Rule) Verdict {
	if rule == nil {
		return Verdict{OK: true}
	}
	if rule.FilenamePattern != "" && !MatchName(rule.FilenamePattern, name) {
		return Verdict{
			Reason:  ReasonNameMismatch,
			Message: fmt.Sprintf("file name %q does not match pattern %q", baseName(name), rule.FilenamePattern),
		}
	}

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[normalize(c)] = true
	}
	var missing []string
	for _, req := range rule.RequiredColumns {
		if strings.TrimSpace(req) == "" {
			continue
		}
		if !present[normalize(req)] {
			missing = append(missing, strings.TrimSpace(req))
		}
	}
	if len(missing) > 0 {
		return Verdict{
			Reason:  ReasonMissingColumns,
			Missing: missing,
			Message: "missing required columns: " + strings.Join(missing, ", "),
		}
	}
	return Verdict{OK: true}
}

var (
	patternCache   = make(map[string]*regexp.Regexp)
	patternCacheMu sync.RWMutex
)

// MatchName reports whether the base name of name matches a glob pattern
// using * and ?, case-insensitively. An empty pattern matches everything.
func MatchName(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	return compile(pattern).MatchString(baseName(name))
}

func compile(pattern string) *regexp.Regexp {
	patternCacheMu.RLock()
	re, ok := patternCache[pattern]
	patternCacheMu.RUnlock()
	if ok {
		return re
	}

	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re = regexp.MustCompile(b.String())

	patternCacheMu.Lock()
	patternCache[pattern] = re
	patternCacheMu.Unlock()
	return re
}

func baseName(name string) string {
	// Agents may send Windows paths.
	return path.Base(filepath.ToSlash(strings.ReplaceAll(name, `\`, "/")))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
