package server

import (
	"encoding/json"

	"threadline/internal/checkpoint"
	"threadline/internal/domain"
	"threadline/internal/engine"
)

// Response payloads

type ArtifactResponse struct {
	Style string `json:"style" enum:"log,bubble"`
	Path  string `json:"path"`
}

type RunResponse struct {
	ID         string             `json:"id"`
	Event      string             `json:"event"`
	Context    string             `json:"context,omitempty"`
	Mode       string             `json:"mode" enum:"phased,scene"`
	Status     string             `json:"status" enum:"running,done,partial,failed"`
	Target     int                `json:"target_messages"`
	Produced   int                `json:"produced"`
	Persisted  int                `json:"persisted"`
	Committed  bool               `json:"committed"`
	Artifacts  []ArtifactResponse `json:"artifacts"`
	Error      string             `json:"error,omitempty"`
	StartedAt  string             `json:"started_at" format:"date-time"`
	FinishedAt string             `json:"finished_at,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type TranscriptResponse struct {
	RunID     string `json:"run_id"`
	Style     string `json:"style" enum:"log,bubble"`
	Committed bool   `json:"committed"`
	Content   string `json:"content"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	arts, _ := engine.Artifacts(r)
	return RunResponse{
		ID:         r.ID,
		Event:      r.Event,
		Context:    r.Context,
		Mode:       r.Mode,
		Status:     r.Status,
		Target:     r.Target,
		Produced:   r.Produced,
		Persisted:  r.Persisted,
		Committed:  arts.Committed,
		Artifacts:  artifactResponses(arts),
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func artifactResponses(arts checkpoint.Artifacts) []ArtifactResponse {
	res := make([]ArtifactResponse, 0, len(arts.Files))
	for _, f := range arts.Files {
		res = append(res, ArtifactResponse{Style: string(f.Style), Path: f.Path})
	}
	return res
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, r := range items {
		res = append(res, runResponse(r))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
