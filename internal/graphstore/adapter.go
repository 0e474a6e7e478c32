package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/metrics"
	"github.com/rolegraph/rolegraph/internal/models"
)

type State int32

const (
	Unprobed State = iota
	PrimaryActive
	FallbackActive
)

func (s State) String() string {
	switch s {
	case Unprobed:
		return "unprobed"
	case PrimaryActive:
		return "primary"
	case FallbackActive:
		return "fallback"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultQueryTimeout   = 10 * time.Second
)

type Options struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	Metrics        *metrics.Collector
	// Audit, when set, records replaces and the failover.
	Audit func(topic, action, details string)
}

// Adapter routes graph operations to the primary backend until it faults
// once, then to the fallback for the rest of the process lifetime.
type Adapter struct {
	primary  Backend
	fallback Backend
	opts     Options

	state     atomic.Int32
	probeMu   sync.Mutex
	failovers atomic.Int64
	breaker   *gobreaker.CircuitBreaker
}

// New builds an adapter. A nil primary means no credentials were configured
// and the adapter starts on the fallback.
func New(primary, fallback Backend, opts Options) *Adapter {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	a := &Adapter{primary: primary, fallback: fallback, opts: opts}

	if primary == nil {
		a.state.Store(int32(FallbackActive))
		logger.Info("No primary graph credentials; storing graphs in %s", fallback.Name())
		return a
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: primary.Name(),
		// The adapter never re-probes, so the breaker must never half-open.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			var ab *abandonedCall
			return err == nil || IsEntityError(err) || errors.As(err, &ab)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Debug("Graph breaker %s: %s -> %s", name, from, to)
		},
	})
	return a
}

func (a *Adapter) State() State { return State(a.state.Load()) }

func (a *Adapter) Failovers() int64 { return a.failovers.Load() }

// ActiveBackend names the backend new operations go to. Before the first
// probe it reports the primary.
func (a *Adapter) ActiveBackend() string {
	if a.State() == FallbackActive || a.primary == nil {
		return a.fallback.Name()
	}
	return a.primary.Name()
}

// Probe resolves the Unprobed state. It runs at most once; later calls
// return immediately.
func (a *Adapter) Probe(ctx context.Context) State {
	if s := a.State(); s != Unprobed {
		return s
	}
	a.probeMu.Lock()
	defer a.probeMu.Unlock()
	if s := a.State(); s != Unprobed {
		return s
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.ConnectTimeout)
	defer cancel()
	if err := a.primary.Probe(pctx); err != nil {
		a.state.Store(int32(FallbackActive))
		logger.Warn("Graph primary %s unreachable (%v); storing graphs in %s until restart", a.primary.Name(), err, a.fallback.Name())
		a.audit("", "primary_unavailable", err.Error())
		return FallbackActive
	}
	a.state.Store(int32(PrimaryActive))
	logger.Success("Graph primary %s connected", a.primary.Name())
	return PrimaryActive
}

// demote flips PrimaryActive to FallbackActive. Only the winning caller logs
// and counts the failover.
func (a *Adapter) demote(op string, cause error) {
	if !a.state.CompareAndSwap(int32(PrimaryActive), int32(FallbackActive)) {
		return
	}
	a.failovers.Add(1)
	a.opts.Metrics.Failover()
	logger.Error("Graph primary %s failed during %s: %v. Switching to %s for the rest of this process", a.primary.Name(), op, cause, a.fallback.Name())
	a.audit("", "storage_failover", fmt.Sprintf("%s -> %s during %s: %v", a.primary.Name(), a.fallback.Name(), op, cause))
}

func (a *Adapter) audit(topic, action, details string) {
	if a.opts.Audit != nil {
		a.opts.Audit(topic, action, details)
	}
}

// abandonedCall wraps a primary error that happened after the caller gave
// up. It says nothing about the primary's health.
type abandonedCall struct{ err error }

func (e *abandonedCall) Error() string { return e.err.Error() }

// run executes one logical operation with the failover contract: a primary
// fault is logged, demotes the adapter and is retried on the fallback; only
// a fallback fault reaches the caller, as a *StorageError. A primary result
// that lands after a demotion is discarded and the call is repeated on the
// fallback.
func run[T any](ctx context.Context, a *Adapter, op string, fn func(ctx context.Context, b Backend) (T, error)) (T, error) {
	if a.Probe(ctx) == PrimaryActive {
		out, err := a.breaker.Execute(func() (interface{}, error) {
			qctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
			defer cancel()
			v, err := fn(qctx, a.primary)
			if err != nil && ctx.Err() != nil {
				return v, &abandonedCall{err: ctx.Err()}
			}
			return v, err
		})
		a.opts.Metrics.GraphOp(a.primary.Name(), op, err)
		v, _ := out.(T)
		var ab *abandonedCall
		switch {
		case errors.As(err, &ab):
			return v, ab.err
		case err == nil || IsEntityError(err):
			if a.State() != FallbackActive {
				return v, err
			}
			// Demoted by another caller while this call was in flight.
			// Every operation is an upsert or a read.
			logger.Warn("Graph %s finished on %s after failover; repeating on %s", op, a.primary.Name(), a.fallback.Name())
		default:
			a.demote(op, err)
		}
	}

	v, err := fn(ctx, a.fallback)
	a.opts.Metrics.GraphOp(a.fallback.Name(), op, err)
	if err != nil && !IsEntityError(err) {
		return v, &StorageError{Op: op, Backend: a.fallback.Name(), Err: err}
	}
	return v, err
}

func (a *Adapter) CreateNode(ctx context.Context, topic string, n models.GraphNode) error {
	topic, err := envelope.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	n = n.Normalize()
	if err := n.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	_, err = run(ctx, a, "create_node", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.CreateNode(ctx, topic, n)
	})
	return err
}

func (a *Adapter) CreateEdge(ctx context.Context, topic string, e models.GraphEdge) error {
	topic, err := envelope.NormalizeTopic(topic)
	if err != nil {
		return err
	}
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	_, err = run(ctx, a, "create_edge", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.CreateEdge(ctx, topic, e)
	})
	return err
}

// GetGraph returns the topic's full graph; an unknown topic yields an empty
// graph.
func (a *Adapter) GetGraph(ctx context.Context, topic string) (models.Graph, error) {
	topic, err := envelope.NormalizeTopic(topic)
	if err != nil {
		return models.EmptyGraph(), err
	}
	g, err := run(ctx, a, "get_graph", func(ctx context.Context, b Backend) (models.Graph, error) {
		return b.GetGraph(ctx, topic)
	})
	if err != nil {
		return models.EmptyGraph(), err
	}
	return g, nil
}

// ReplaceGraph deletes the topic's graph and writes the new one with parents
// ahead of children. A primary fault mid-way re-runs the whole replace on the
// fallback.
func (a *Adapter) ReplaceGraph(ctx context.Context, topic string, nodes []models.GraphNode, edges []models.GraphEdge) (ReplaceResult, error) {
	topic, err := envelope.NormalizeTopic(topic)
	if err != nil {
		return ReplaceResult{}, err
	}
	normNodes := make([]models.GraphNode, len(nodes))
	for i, n := range nodes {
		normNodes[i] = n.Normalize()
	}
	ordered := orderNodes(normNodes)
	normEdges := make([]models.GraphEdge, len(edges))
	for i, e := range edges {
		normEdges[i] = e.Normalize()
	}

	res, err := run(ctx, a, "replace_graph", func(ctx context.Context, b Backend) (ReplaceResult, error) {
		return b.ReplaceGraph(ctx, topic, ordered, normEdges)
	})
	if err != nil {
		return res, err
	}

	summary := fmt.Sprintf("%d/%d nodes, %d/%d edges on %s",
		res.NodesWritten, len(nodes), res.EdgesWritten, len(edges), res.Backend)
	if res.NodesFailed+res.EdgesFailed > 0 {
		logger.Warn("Graph replace %s: %s (%d skipped)", topic, summary, res.NodesFailed+res.EdgesFailed)
	} else {
		logger.Info("Graph replace %s: %s", topic, summary)
	}
	a.audit(topic, "graph_replaced", summary)
	return res, nil
}

// Close releases both backends.
func (a *Adapter) Close() error {
	var firstErr error
	for _, b := range []Backend{a.primary, a.fallback} {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
