package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rolegraph/rolegraph/internal/database"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/scheduler"
)

var startTime = time.Now()

// AppVersion is set from main at startup via ldflags.
var AppVersion = "dev"

// StorageStatus is the slice of the graph adapter the health report reads.
type StorageStatus interface {
	State() graphstore.State
	ActiveBackend() string
	Failovers() int64
}

type LiveStats interface {
	Count() int
}

type TopicStats interface {
	TopicCount() int
}

type JobLister interface {
	Jobs() []scheduler.JobStatus
}

type SystemHandler struct {
	storage StorageStatus
	conns   LiveStats
	topics  TopicStats
	jobs    JobLister
	db      *database.DB
}

// NewSystemHandler wires the health report. jobs and db may be nil.
func NewSystemHandler(storage StorageStatus, conns LiveStats, topics TopicStats, jobs JobLister, db *database.DB) *SystemHandler {
	return &SystemHandler{storage: storage, conns: conns, topics: topics, jobs: jobs, db: db}
}

type storageReport struct {
	State     string `json:"state"`
	Backend   string `json:"backend"`
	Failovers int64  `json:"failovers"`
}

type healthReport struct {
	Status      string                `json:"status"`
	Version     string                `json:"version"`
	GoVersion   string                `json:"goVersion"`
	Uptime      string                `json:"uptime"`
	Connections int                   `json:"connections"`
	Topics      int                   `json:"topics"`
	Storage     storageReport         `json:"storage"`
	Jobs        []scheduler.JobStatus `json:"jobs,omitempty"`
}

// Health reports "degraded" once the graph store has left its primary.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{
		Status:      "ok",
		Version:     AppVersion,
		GoVersion:   runtime.Version(),
		Uptime:      logger.FormatDuration(time.Since(startTime)),
		Connections: h.conns.Count(),
		Topics:      h.topics.TopicCount(),
		Storage: storageReport{
			State:     h.storage.State().String(),
			Backend:   h.storage.ActiveBackend(),
			Failovers: h.storage.Failovers(),
		},
	}
	if h.storage.Failovers() > 0 {
		rep.Status = "degraded"
	}
	if h.jobs != nil {
		rep.Jobs = h.jobs.Jobs()
	}
	writeJSON(w, http.StatusOK, rep)
}

// Audit lists recent graph lifecycle events. It is only routed when the
// SQLite fallback is in use.
func (h *SystemHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, http.StatusNotFound, "audit log not available")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.db.RecentAudit(r.URL.Query().Get("roleModelId"), limit)
	if err != nil {
		logger.Error("Failed to read audit log: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
