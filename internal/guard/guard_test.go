package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGitWriteVerbsBlocked(t *testing.T) {
	blocked := []string{
		"git commit -m 'wip'",
		"git add .",
		"git push origin main",
		"git stash",
		"git checkout -b feature",
		"git reset --hard HEAD~1",
		"git rebase main",
		"git merge feature",
		"git cherry-pick abc123",
		"cd /repo && git commit -am fix",
		"git -C /repo commit -m x",
		"git --no-pager add -p",
	}
	for _, cmd := range blocked {
		assert.Error(t, Check("worker", cmd), cmd)
	}
}

func TestGitReadsAllowed(t *testing.T) {
	allowed := []string{
		"git status --porcelain",
		"git log --oneline -5",
		"git diff HEAD",
		"git show abc123",
		"git blame main.go",
	}
	for _, cmd := range allowed {
		assert.NoError(t, Check("worker", cmd), cmd)
	}
}

func TestTrackerBackdoorsBlocked(t *testing.T) {
	blocked := []string{
		"cat .tasks/issues.jsonl",
		"grep done .tasks/log.json",
		"cat session/tasks/_index.json",
		"jq . tasks/_activity.json",
		"cat tasks/tasks.json.migrated",
	}
	for _, cmd := range blocked {
		assert.Error(t, Check("worker", cmd), cmd)
	}
}

func TestOrdinaryCommandsAllowed(t *testing.T) {
	allowed := []string{
		"ls -la",
		"go test ./...",
		"cat README.md",
		"rg 'func main' --type go",
	}
	for _, cmd := range allowed {
		assert.NoError(t, Check("worker", cmd), cmd)
	}
}

func TestSingularityExempt(t *testing.T) {
	assert.NoError(t, Check("singularity", "git commit -m release"))
	assert.NoError(t, Check("singularity", "cat .tasks/issues.jsonl"))
}

func TestAllNonSingularityRolesGuarded(t *testing.T) {
	for _, role := range []string{"worker", "designer", "fast-worker", "issuer",
		"finisher", "steering", "resolver", ""} {
		assert.Error(t, Check(role, "git push"), role)
	}
}

func TestRejectionReasonNamesTheVerb(t *testing.T) {
	err := Check("worker", "git commit -m x")
	assert.ErrorContains(t, err, "git commit")
}
