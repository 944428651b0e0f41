package verify

import "regexp"

// Classification is the verifier's reading of a worker comment.
type Classification string

const (
	// ClassNoChangesNeeded means the worker asserts the task was already
	// satisfied; passes through without verification.
	ClassNoChangesNeeded Classification = "no_changes_needed"
	// ClassImplementationClaim means the worker claims to have changed
	// files; verification is required.
	ClassImplementationClaim Classification = "implementation_claim"
	// ClassNonCompletion is everything else; passes through.
	ClassNonCompletion Classification = "non_completion"
)

var (
	noChangesPattern = regexp.MustCompile(`(?i)\b(already\s+(complete|completed|done|implemented|exists|present|correct)|` +
		`no\s+changes?\s+(are\s+)?(needed|required|necessary)|` +
		`nothing\s+(to\s+(do|change|fix)|needs?\s+to\s+change))\b`)

	completionSignals = regexp.MustCompile(`(?i)\b(completed?|finished|done|implemented|verified|` +
		`what\s+changed|changes\s+made|remaining\s+(work|items?|tasks?)|all\s+tests?\s+pass(ing|ed)?)\b`)

	implementationVerbs = regexp.MustCompile(`(?i)\b(implement(ed|ing)?|add(ed|ing)?|creat(ed|ing)|` +
		`wrote|writ(ten|ing)|modif(ied|ying)|updat(ed|ing)|refactor(ed|ing)?|fix(ed|ing)?|chang(ed|ing))\b`)

	implementationContext = regexp.MustCompile(`(?i)\b(file|function|method|class|module|struct|test|` +
		`in\s+[\w./\x60-]+\.\w{1,8})\b|\x60[^\x60]+\x60`)
)

// Classify reads a worker comment. A no-changes assertion without strong
// implementation verbs passes through; completion signals or
// implementation verbs in an implementation context require
// verification; anything else is not a completion claim.
func Classify(text string) Classification {
	hasImplVerb := implementationVerbs.MatchString(text)
	if noChangesPattern.MatchString(text) && !hasImplVerb {
		return ClassNoChangesNeeded
	}
	if completionSignals.MatchString(text) {
		return ClassImplementationClaim
	}
	if hasImplVerb && implementationContext.MatchString(text) {
		return ClassImplementationClaim
	}
	return ClassNonCompletion
}
