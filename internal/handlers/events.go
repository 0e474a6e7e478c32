package handlers

import (
	"net/http"
	"time"

	"github.com/rolegraph/rolegraph/internal/envelope"
)

type progressRequest struct {
	Message  string `json:"message"`
	Progress *int   `json:"progress"`
	Percent  *int   `json:"percent"` // accepted from older agents
	Stage    string `json:"stage"`
	SubStage string `json:"subStage"`
}

// Progress relays a generation progress update to the role model's viewers.
func (h *GraphHandler) Progress(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pct := 0
	switch {
	case req.Progress != nil:
		pct = *req.Progress
	case req.Percent != nil:
		pct = *req.Percent
	}
	res, err := h.hub.PublishStage(topic, envelope.Progress{
		Message:  req.Message,
		Percent:  pct,
		Stage:    req.Stage,
		SubStage: req.SubStage,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type thoughtRequest struct {
	AgentName string `json:"agentName"`
	AgentType string `json:"agentType"`
	Thoughts  string `json:"thoughts"`
	Content   string `json:"content"`
	Thinking  []struct {
		Step      string    `json:"step"`
		Content   string    `json:"content"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"thinking"`
}

func (h *GraphHandler) Thoughts(w http.ResponseWriter, r *http.Request) {
	topic, ok := roleModelID(w, r)
	if !ok {
		return
	}
	var req thoughtRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t := envelope.Thought{
		AgentName: req.AgentName,
		AgentType: req.AgentType,
		Content:   req.Thoughts,
	}
	if t.Content == "" {
		t.Content = req.Content
	}
	for _, s := range req.Thinking {
		t.ThinkingSteps = append(t.ThinkingSteps, envelope.ThinkingStep{Step: s.Step, Content: s.Content, Timestamp: s.Timestamp})
	}

	res, err := h.hub.PublishThought(topic, t)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
