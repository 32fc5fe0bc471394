package models

import (
	"fmt"
	"net/url"
)

// WorkItem identifies one patchset review job. It carries everything the
// pipeline needs to address the Gerrit REST API. Work items live only for
// the duration of their pipeline run and are never persisted.
type WorkItem struct {
	Project        string `json:"project"`
	ChangeNumber   int    `json:"change_number"`
	PatchsetNumber int    `json:"patchset_number"`
	Revision       string `json:"revision"`
}

// ChangeID returns the project-scoped change identifier used by the Gerrit
// REST API ("project~number"). Scoping by project prevents change-number
// collisions when the bot serves multiple repositories.
func (w WorkItem) ChangeID() string {
	return fmt.Sprintf("%s~%d", url.QueryEscape(w.Project), w.ChangeNumber)
}

// DedupKey returns the identity used by the dispatcher's active set.
func (w WorkItem) DedupKey() DedupKey {
	return DedupKey{Change: w.ChangeNumber, Patchset: w.PatchsetNumber}
}

// DedupKey is the dispatcher's dedup identity for a work item. At most one
// pipeline may be active per key at any time.
type DedupKey struct {
	Change   int
	Patchset int
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%d-%d", k.Change, k.Patchset)
}

// InlineComment is a single line-anchored review comment.
type InlineComment struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ReviewResult is the outcome of analyzing one work item's diffs.
type ReviewResult struct {
	// Summary is the overall review message posted on the change.
	Summary string `json:"summary"`
	// Comments maps file paths to ordered inline comments.
	Comments map[string][]InlineComment `json:"comments,omitempty"`
	// Vote is the Code-Review label value, always in {-1, 0, 1}.
	Vote int `json:"vote"`
}

// ClampVote restricts a vote to the range the bot is permitted to cast.
// Anything outside {-1, 0, 1} becomes 0.
func ClampVote(vote int) int {
	if vote < -1 || vote > 1 {
		return 0
	}
	return vote
}
