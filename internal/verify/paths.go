package verify

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	backtickedPath = regexp.MustCompile("`([^`\\n]+)`")
	barePath       = regexp.MustCompile(`(?:^|[\s(,;:])((?:[\w.-]+/)*[\w.-]+\.[A-Za-z0-9]{1,8})\b`)
)

// extractCandidatePaths pulls file paths out of a comment: backtick
// quoted strings that look like paths, plus bare relative paths with an
// extension. Deduplicated, order of first appearance.
func extractCandidatePaths(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(strings.TrimPrefix(p, "./"))
		if p == "" || strings.HasPrefix(p, "/") || !strings.ContainsAny(p, "./") {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, m := range backtickedPath.FindAllStringSubmatch(text, -1) {
		candidate := m[1]
		if strings.ContainsAny(candidate, " \t") {
			continue
		}
		add(candidate)
	}
	for _, m := range barePath.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// trivialLine matches boilerplate that does not count as substance:
// imports, re-exports, module/package/namespace declarations, lone
// braces, and blank lines.
var trivialLine = regexp.MustCompile(`^\s*(import\b|from\s+\S+\s+import\b|export\s+(\*|\{[^}]*\})\s+from\b|` +
	`export\s+default\s+\w+\s*;?\s*$|require\s*\(|use\s+[\w:]+\s*;|mod\s+\w+\s*;|` +
	`package\s+[\w.]+\s*;?\s*$|namespace\s+[\w.]+|[{}()\[\];,]*\s*$)`)

// lineComment matches whole-line comments across the languages agents
// touch.
var lineComment = regexp.MustCompile(`^\s*(//|#|--|/\*|\*|\*/|<!--)`)

// isSubstantive reports whether a file's current content is non-empty
// after stripping comment-only and trivial boilerplate lines. Missing
// and unreadable files are not substantive.
func isSubstantive(root, rel string) bool {
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if lineComment.MatchString(line) {
			continue
		}
		if trivialLine.MatchString(line) {
			continue
		}
		return true
	}
	return false
}

// sortedPaths returns map keys in stable order for reporting.
func sortedPaths(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
