package rpc

import (
	"fmt"
	"strings"
)

// ValidateBranchName checks the branch naming contract enforced on runtime
// harnesses: agent/<repoShortName>/<taskId-prefix>/<runId>. The first
// segment must equal "agent" and the last must equal the run id, both
// case-insensitively, with at least four segments in total.
func ValidateBranchName(branch, runID string) error {
	if branch == "" {
		return fmt.Errorf("branch name is empty")
	}
	segments := strings.Split(branch, "/")
	if len(segments) < 4 {
		return fmt.Errorf("branch %q has %d segments, need at least 4", branch, len(segments))
	}
	if !strings.EqualFold(segments[0], "agent") {
		return fmt.Errorf("branch %q does not start with agent/", branch)
	}
	if !strings.EqualFold(segments[len(segments)-1], runID) {
		return fmt.Errorf("branch %q does not end with run id %s", branch, runID)
	}
	return nil
}
