// Package verify gates worker completion claims on observable file
// changes. It runs as a per-agent pre-comment hook: a baseline of the
// working tree is captured at worker start, write intents are recorded
// on every edit/write tool call, and a comment claiming implementation
// is admitted only when substantive changes are actually visible.
package verify

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
)

// StatusRunner reports the working tree's changed and untracked paths.
type StatusRunner interface {
	Status(ctx context.Context) ([]string, error)
}

// gitStatus shells out to git. The porcelain format is the contract.
type gitStatus struct {
	root string
}

func (g gitStatus) Status(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain", "--untracked-files=all")
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git status: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return parsePorcelain(string(out)), nil
}

// parsePorcelain extracts paths from porcelain v1 output. Renames
// contribute their new name.
func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// Verifier is the per-agent completion gate.
type Verifier struct {
	root string
	git  StatusRunner
	log  *logger.Logger

	mu       sync.Mutex
	baseline map[string]Fingerprint
	intents  map[string]struct{}
}

// New creates a verifier rooted at the repository directory.
func New(root string, log *logger.Logger) *Verifier {
	return NewWithStatus(root, gitStatus{root: root}, log)
}

// NewWithStatus creates a verifier with a custom status source.
func NewWithStatus(root string, git StatusRunner, log *logger.Logger) *Verifier {
	return &Verifier{
		root:     root,
		git:      git,
		log:      log.WithComponent("verify"),
		baseline: make(map[string]Fingerprint),
		intents:  make(map[string]struct{}),
	}
}

// CaptureBaseline snapshots the current working tree: every path git
// reports plus its fingerprint. Call once at worker start.
func (v *Verifier) CaptureBaseline(ctx context.Context) error {
	paths, err := v.git.Status(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range paths {
		v.baseline[p] = fingerprintPath(v.root, p)
	}
	return nil
}

// RecordWriteIntent notes that an edit/write tool call targeted a path,
// extending the baseline to cover the path's pre-edit state.
func (v *Verifier) RecordWriteIntent(path string) {
	path = strings.TrimPrefix(path, "./")
	if path == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.intents[path] = struct{}{}
	if _, ok := v.baseline[path]; !ok {
		v.baseline[path] = fingerprintPath(v.root, path)
	}
}

// WriteIntents returns the recorded edit/write targets, sorted.
func (v *Verifier) WriteIntents() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return sortedPaths(v.intents)
}

// CheckComment vets a worker comment. Nil means the comment may post.
// Implementation claims are verified against the working tree; the
// rejection reason is explicit about what was claimed and what was
// observed, including any git failure.
func (v *Verifier) CheckComment(ctx context.Context, text string) error {
	if Classify(text) != ClassImplementationClaim {
		return nil
	}

	claimed := extractCandidatePaths(text)

	var changed, substantive []string
	current, gitErr := v.git.Status(ctx)
	if gitErr == nil {
		changed, substantive = v.compareBaseline(current)
	}

	if len(substantive) > 0 {
		v.log.Debug("completion claim verified",
			zap.Strings("claimed", claimed),
			zap.Strings("observed", substantive))
		return nil
	}
	return v.rejection(claimed, changed, gitErr)
}

// compareBaseline splits the current status into paths whose content
// changed since the baseline and the subset whose content is
// substantive.
func (v *Verifier) compareBaseline(current []string) (changed, substantive []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, p := range current {
		fp := fingerprintPath(v.root, p)
		if base, ok := v.baseline[p]; ok && base == fp {
			continue // dirty at baseline, untouched since
		}
		changed = append(changed, p)
		if isSubstantive(v.root, p) {
			substantive = append(substantive, p)
		}
	}
	sort.Strings(changed)
	sort.Strings(substantive)
	return changed, substantive
}

// rejection builds the blocked-call reason.
func (v *Verifier) rejection(claimed, changed []string, gitErr error) error {
	v.mu.Lock()
	intents := len(v.intents)
	v.mu.Unlock()

	var b strings.Builder
	b.WriteString("no substantive file changes were verified for this completion claim; ")
	fmt.Fprintf(&b, "claimed_paths=%s; ", joinOrNone(claimed))
	fmt.Fprintf(&b, "edit_write_calls=%d; ", intents)

	preview := changed
	if len(preview) > 8 {
		preview = preview[:8]
	}
	fmt.Fprintf(&b, "observed_changes=%s", joinOrNone(preview))
	if gitErr != nil {
		fmt.Fprintf(&b, "; git_error=%v", gitErr)
	}
	return fmt.Errorf("%s", b.String())
}

func joinOrNone(paths []string) string {
	if len(paths) == 0 {
		return "none"
	}
	return strings.Join(paths, ",")
}
