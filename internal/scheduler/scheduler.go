package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rolegraph/rolegraph/internal/logger"
)

// JobFunc is one periodic maintenance task. A returned error is logged and
// recorded; it never stops the schedule.
type JobFunc func() error

type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Next      time.Time `json:"next,omitempty"`
}

type job struct {
	spec  string
	fn    JobFunc
	entry cron.EntryID

	runs    int64
	lastRun time.Time
	lastErr string
}

// Scheduler runs named background jobs on one cron instance. A job that is
// still running when its next tick fires is skipped, not overlapped.
type Scheduler struct {
	cron *cron.Cron
	mu   sync.Mutex
	jobs map[string]*job
}

func New() *Scheduler {
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		jobs: make(map[string]*job),
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Success("Scheduler started")
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Success("Scheduler stopped")
}

// AddJob registers fn under name, replacing any job with the same name.
func (s *Scheduler) AddJob(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.cron.Remove(existing.entry)
		delete(s.jobs, name)
	}

	j := &job{spec: spec, fn: fn}
	entryID, err := s.cron.AddFunc(spec, func() { s.execute(name, j) })
	if err != nil {
		return fmt.Errorf("add job %s: %w", name, err)
	}
	j.entry = entryID
	s.jobs[name] = j
	logger.Debug("Added job %s with spec=%s", name, spec)
	return nil
}

func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[name]; ok {
		s.cron.Remove(j.entry)
		delete(s.jobs, name)
		logger.Info("Removed job %s", name)
	}
}

// RunNow executes a job synchronously outside its schedule. It reports
// false for an unknown name.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.execute(name, j)
	return true
}

func (s *Scheduler) execute(name string, j *job) {
	started := time.Now().UTC()
	err := j.fn()

	s.mu.Lock()
	j.runs++
	j.lastRun = started
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("Job %s failed: %v", name, err)
	}
}

// Jobs reports every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, j := range s.jobs {
		out = append(out, JobStatus{
			Name:      name,
			Spec:      j.spec,
			Runs:      j.runs,
			LastRun:   j.lastRun,
			LastError: j.lastErr,
			Next:      s.cron.Entry(j.entry).Next,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger routes cron's own messages through the package logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
