package dispatcher

import (
	"testing"

	"github.com/agentplane/agentplane/internal/runtime/rpc"
	"github.com/agentplane/agentplane/internal/store"
)

func TestBuildBranchName(t *testing.T) {
	cases := []struct {
		name      string
		shortName string
		taskID    string
		runID     string
		want      string
	}{
		{
			name:      "plain short name",
			shortName: "backend",
			taskID:    "task-12345678-rest",
			runID:     "run-1",
			want:      "agent/backend/task-123/run-1",
		},
		{
			name:      "slashes collapsed so segment count stays fixed",
			shortName: "org/backend",
			taskID:    "task-12345678",
			runID:     "run-2",
			want:      "agent/org-backend/task-123/run-2",
		},
		{
			name:      "blank short name falls back",
			shortName: "   ",
			taskID:    "t1",
			runID:     "run-3",
			want:      "agent/repo/t1/run-3",
		},
		{
			name:      "short task id used verbatim",
			shortName: "backend",
			taskID:    "abc",
			runID:     "run-4",
			want:      "agent/backend/abc/run-4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &store.Repository{ShortName: tc.shortName}
			got := buildBranchName(repo, tc.taskID, tc.runID)
			if got != tc.want {
				t.Errorf("buildBranchName = %q, want %q", got, tc.want)
			}
			// Every produced branch must satisfy the runtime's contract.
			if err := rpc.ValidateBranchName(got, tc.runID); err != nil {
				t.Errorf("Branch %q failed validation: %v", got, err)
			}
		})
	}
}
