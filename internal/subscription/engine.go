// Package subscription keeps query results live. Each registered query
// remembers the index ranges it read; a commit re-executes only the
// queries whose ranges it wrote and pushes a result only when it changed.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// Outcome classifies a query execution.
type Outcome string

const (
	OutcomePushed     Outcome = "pushed"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Recorder receives engine metrics. metrics.SubscriptionMetrics implements it.
type Recorder interface {
	RecordObservers(ctx context.Context, delta int64)
	RecordExecution(ctx context.Context, query string, outcome Outcome, elapsed time.Duration)
}

// Options configures NewEngine.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Recorder Recorder
	// RetryBackoff is the delay before the first re-execution after a
	// failure; it doubles per consecutive failure up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Engine tracks registered queries and is installed as the store's
// CommitHook. Lock order is store before engine.
type Engine struct {
	store    *store.Store
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	retryBackoff    time.Duration
	maxRetryBackoff time.Duration

	mu      sync.Mutex
	queries map[string]*query
	// index maps every range some active query read to the queries that read it.
	index  map[store.ReadKey]map[*query]struct{}
	nextID uint64
}

type query struct {
	Query

	state    State
	readSet  store.ReadSet
	last     []byte
	seq      uint64
	failures int
	timer    *clock.Timer
	timerGen uint64

	observers map[uint64]*Subscription
}

// NewEngine creates an engine and registers it as s's commit hook.
func NewEngine(s *store.Store, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = s.Clock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = 30 * time.Second
	}
	e := &Engine{
		store:           s,
		clock:           opts.Clock,
		logger:          opts.Logger,
		recorder:        opts.Recorder,
		retryBackoff:    opts.RetryBackoff,
		maxRetryBackoff: opts.MaxRetryBackoff,
		queries:         make(map[string]*query),
		index:           make(map[store.ReadKey]map[*query]struct{}),
	}
	s.SetCommitHook(e)
	return e
}

// Subscribe registers obs for q. The current result is queued for obs
// before Subscribe returns; later results follow whenever a commit changes
// it. If q is not yet registered and its first execution fails, Subscribe
// returns the error and nothing is registered.
func (e *Engine) Subscribe(ctx context.Context, q Query, obs Observer) (*Subscription, error) {
	if q.Key == "" || q.Run == nil {
		return nil, fmt.Errorf("subscribe: query key and function are required")
	}

	var sub *Subscription
	err := e.store.View(ctx, nil, func(r *store.Reader) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		cur, ok := e.queries[q.Key]
		if !ok {
			cur = &query{Query: q, state: StateRegistered, observers: make(map[uint64]*Subscription)}
			if err := e.execute(cur, r, r.Seq()); err != nil {
				return err
			}
			e.queries[q.Key] = cur
		}

		e.nextID++
		sub = newSubscription(e.nextID, e, cur, obs)
		cur.observers[sub.id] = sub
		sub.enqueue(Update{Key: cur.Key, Seq: cur.seq, Data: cur.last})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q.Key, err)
	}

	if e.recorder != nil {
		e.recorder.RecordObservers(ctx, 1)
	}
	go sub.deliver()
	return sub, nil
}

// OnCommit re-executes every query whose read-set c intersects. The
// affected queries are found through the write-set keys, so the cost of a
// commit grows with what it wrote and what depends on it, not with the
// number of registered queries.
func (e *Engine) OnCommit(c *store.Commit, r *store.Reader) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, q := range e.affected(c) {
		q.state = StateInvalidated
		if err := e.execute(q, r, c.Seq); err != nil {
			e.logger.Warn("query re-execution failed; keeping last result",
				"query", q.Key, "seq", c.Seq, "error", err)
		}
	}
}

// execute runs q against r. On success the new read-set replaces the old
// one and a changed result is queued for every observer. On failure the
// previous result and read-set stay in place and a retry is scheduled.
// Callers hold e.mu and at least a read lock on the store.
func (e *Engine) execute(q *query, r *store.Reader, seq uint64) (err error) {
	start := e.clock.Now()
	rs := make(store.ReadSet)

	data, err := run(q.Run, r.Recording(rs))
	elapsed := e.clock.Now().Sub(start)
	if err != nil {
		e.record(q, OutcomeFailed, elapsed)
		if q.state == StateRegistered {
			return err
		}
		q.failures++
		e.schedule(q, e.backoff(q.failures), "retry")
		return err
	}

	q.failures = 0
	e.reindex(q, rs)
	first := q.state == StateRegistered
	q.state = StateActive

	if !first && bytes.Equal(data, q.last) {
		e.record(q, OutcomeSuppressed, elapsed)
	} else {
		q.last = data
		q.seq = seq
		if !first {
			for _, sub := range q.observers {
				sub.enqueue(Update{Key: q.Key, Seq: seq, Data: data})
			}
		}
		e.record(q, OutcomePushed, elapsed)
	}

	if q.RefreshAt != nil {
		now := e.clock.Now()
		e.schedule(q, q.RefreshAt(now).Sub(now), "refresh")
	} else {
		e.stopTimer(q)
	}
	return nil
}

// affected returns the queries whose read-set holds any key c wrote, each once.
func (e *Engine) affected(c *store.Commit) []*query {
	var out []*query
	seen := make(map[*query]struct{})
	for k := range c.WriteSet() {
		for q := range e.index[k] {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}

// reindex replaces q's read-set with rs in the inverted index.
func (e *Engine) reindex(q *query, rs store.ReadSet) {
	for k := range q.readSet {
		if rs.Contains(k) {
			continue
		}
		if qs := e.index[k]; qs != nil {
			delete(qs, q)
			if len(qs) == 0 {
				delete(e.index, k)
			}
		}
	}
	for k := range rs {
		qs := e.index[k]
		if qs == nil {
			qs = make(map[*query]struct{})
			e.index[k] = qs
		}
		qs[q] = struct{}{}
	}
	q.readSet = rs
}

func run(fn QueryFunc, r *store.Reader) (data []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("query panicked: %v", p)
		}
	}()
	v, err := fn(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (e *Engine) record(q *query, outcome Outcome, elapsed time.Duration) {
	if e.recorder != nil {
		e.recorder.RecordExecution(context.Background(), q.Name, outcome, elapsed)
	}
}

func (e *Engine) backoff(failures int) time.Duration {
	d := e.retryBackoff
	for i := 1; i < failures && d < e.maxRetryBackoff; i++ {
		d *= 2
	}
	if d > e.maxRetryBackoff {
		d = e.maxRetryBackoff
	}
	return d
}

func (e *Engine) stopTimer(q *query) {
	q.timerGen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// schedule replaces q's pending re-execution with one that fires after d.
// A generation counter discards a timer that fires after being replaced.
func (e *Engine) schedule(q *query, d time.Duration, reason string) {
	e.stopTimer(q)
	gen := q.timerGen
	q.timer = e.clock.AfterFunc(d, func() { e.rerun(q, gen, reason) })
}

func (e *Engine) rerun(q *query, gen uint64, reason string) {
	err := e.store.View(context.Background(), nil, func(r *store.Reader) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if q.state == StateClosed || q.timerGen != gen {
			return nil
		}
		q.timer = nil
		q.state = StateInvalidated
		return e.execute(q, r, r.Seq())
	})
	if err != nil {
		e.logger.Warn("scheduled query re-execution failed", "query", q.Key, "reason", reason, "error", err)
	}
}

// detach removes sub from its query and drops the query once it has no
// observers left.
func (e *Engine) detach(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := sub.query
	if _, ok := q.observers[sub.id]; !ok {
		return false
	}
	delete(q.observers, sub.id)
	if len(q.observers) == 0 {
		q.state = StateClosed
		e.reindex(q, nil)
		e.stopTimer(q)
		delete(e.queries, q.Key)
	}
	return true
}

// Stats reports the number of registered queries and attached observers.
func (e *Engine) Stats() (queries, observers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queries {
		observers += len(q.observers)
	}
	return len(e.queries), observers
}

// QueryState returns the state of the query registered under key, or
// StateClosed if none is.
func (e *Engine) QueryState(key string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if q, ok := e.queries[key]; ok {
		return q.state
	}
	return StateClosed
}
