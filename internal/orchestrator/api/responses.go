package api

import (
	"strings"
	"time"

	"github.com/agentplane/agentplane/internal/orchestrator/health"
	"github.com/agentplane/agentplane/internal/orchestrator/listener"
	"github.com/agentplane/agentplane/internal/store"
)

// RuntimeResponse is the admin view of one task runtime.
type RuntimeResponse struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"taskId"`
	State           string    `json:"state"`
	Health          string    `json:"health,omitempty"`
	ConnectionState string    `json:"connectionState,omitempty"`
	ActiveRuns      int       `json:"activeRuns"`
	MaxParallelRuns int       `json:"maxParallelRuns"`
	Endpoint        string    `json:"endpoint,omitempty"`
	ContainerID     string    `json:"containerId,omitempty"`
	RestartCount    int       `json:"restartCount"`
	LastError       string    `json:"lastError,omitempty"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	CreatedAt       time.Time `json:"createdAt"`
}

type RuntimeListResponse struct {
	Runtimes []RuntimeResponse `json:"runtimes"`
	Total    int               `json:"total"`
}

type IncidentListResponse struct {
	Incidents []health.Incident `json:"incidents"`
	Total     int               `json:"total"`
}

func runtimeResponse(rt *store.TaskRuntime, healthState string, connections map[string]listener.ConnectionState) RuntimeResponse {
	resp := RuntimeResponse{
		ID:              rt.ID,
		TaskID:          rt.TaskID,
		State:           rt.State,
		Health:          healthState,
		ActiveRuns:      rt.ActiveRuns,
		MaxParallelRuns: rt.MaxParallelRuns,
		Endpoint:        rt.Endpoint,
		ContainerID:     rt.ContainerID,
		RestartCount:    rt.RestartCount,
		LastError:       rt.LastError,
		LastActivityAt:  rt.LastActivityAt,
		CreatedAt:       rt.CreatedAt,
	}
	for id, state := range connections {
		if strings.EqualFold(id, rt.ID) {
			resp.ConnectionState = string(state)
			break
		}
	}
	return resp
}
