// Package guard vets bash commands issued by agents. Agents coordinate
// through the task store and the lifecycle verbs; direct git mutation
// and direct reads of the tracker's backing files are off limits for
// every role except singularity.
package guard

import (
	"fmt"
	"regexp"
)

// gitWriteVerbs are the git subcommands that mutate the repository or
// its index. Flags may appear between "git" and the subcommand.
var gitWriteVerbs = regexp.MustCompile(
	`\bgit(?:\s+-{1,2}\S+)*\s+(commit|add|push|stash|checkout|reset|rebase|merge|cherry-pick)\b`)

// trackerBackdoors match attempts to read or write the tracker's
// on-disk state directly instead of going through the tasks tools.
var trackerBackdoors = []*regexp.Regexp{
	regexp.MustCompile(`\.tasks/[^\s]*\.jsonl?\b`),
	regexp.MustCompile(`tasks/_index\.json\b`),
	regexp.MustCompile(`tasks/_activity\.json\b`),
	regexp.MustCompile(`tasks/tasks\.json(?:\.migrated)?\b`),
}

// roleExempt reports whether the role bypasses the guard entirely.
func roleExempt(role string) bool {
	return role == "singularity"
}

// Check vets a bash command for a role. A nil return means the command
// may run; otherwise the error carries the rejection reason for the
// caller's tool-rejection channel.
func Check(role, command string) error {
	if roleExempt(role) {
		return nil
	}
	if m := gitWriteVerbs.FindStringSubmatch(command); m != nil {
		return fmt.Errorf("bash blocked: git %s mutates repository state; use the lifecycle tools instead", m[1])
	}
	for _, re := range trackerBackdoors {
		if loc := re.FindString(command); loc != "" {
			return fmt.Errorf("bash blocked: %s is the task tracker's backing store; use the tasks tool instead", loc)
		}
	}
	return nil
}
