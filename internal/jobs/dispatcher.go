// Package jobs owns the pathfinding job pipeline: admission, queueing,
// result retrieval and crash recovery. All job state lives in the
// broker; the only process-local memory is the token table telling an
// expired job apart from one that never existed.
package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/metrics"
	"github.com/lapsproject/laps/internal/modules"
)

// Point is a grid coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Algorithm names the module that should solve a job. The modname rule
// is registered on gin's binding validator by the server package.
type Algorithm struct {
	Name    string `json:"name" binding:"required,modname"`
	Version string `json:"version" binding:"required,modname"`
}

// Request is a job submission.
type Request struct {
	MapID     int64     `json:"map_id" binding:"required,min=1"`
	Algorithm Algorithm `json:"algorithm" binding:"required"`
	Start     Point     `json:"start"`
	End       Point     `json:"stop"`
}

// Result is a job's terminal outcome: either a path or a failure with
// a machine-readable kind. The shim and crash recovery write the same
// shape.
type Result struct {
	Path   []Point `json:"ok,omitempty"`
	Failed string  `json:"failed,omitempty"`
	Kind   string  `json:"kind,omitempty"`
}

// Outcome returns the metrics label for this result.
func (r *Result) Outcome() string {
	if r.Failed == "" {
		return "ok"
	}
	if r.Kind == "" {
		return "module_error"
	}
	return r.Kind
}

// Status classifies a job lookup that produced no result yet.
type Status int

const (
	// StatusDone means a terminal result is available.
	StatusDone Status = iota
	// StatusPending means the job exists but has not finished.
	StatusPending
	// StatusExpired means the job existed here once and its state aged out.
	StatusExpired
	// StatusUnknown means the token was never issued by this backend.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusPending:
		return "pending"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// tokenRecord remembers a locally issued token so Await can answer
// Expired instead of Unknown after the broker state aged out.
type tokenRecord struct {
	expiresAt time.Time
	observed  bool // terminal result already counted in metrics
}

// tokenRetention keeps records around past the job TTL so the expired
// answer survives a while.
const tokenRetention = time.Hour

// Dispatcher admits, queues and resolves jobs.
type Dispatcher struct {
	broker  broker.Broker
	metrics *metrics.Collector
	log     *logrus.Entry
	ttl     time.Duration
	maxWait time.Duration

	mu     sync.Mutex
	tokens map[string]*tokenRecord
}

// NewDispatcher wires a dispatcher. ttl bounds how long job state lives
// in the broker; maxWait caps the long-poll duration of Await.
func NewDispatcher(b broker.Broker, collector *metrics.Collector, ttl, maxWait time.Duration) *Dispatcher {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Dispatcher{
		broker:  b,
		metrics: collector,
		log:     logging.Component("jobs"),
		ttl:     ttl,
		maxWait: maxWait,
		tokens:  make(map[string]*tokenRecord),
	}
}

// Submit validates the request, writes the job hash and enqueues the
// token on the module's queue. Admission requires the module Running
// and the map present; both can still change before pickup, which the
// shim and crash recovery handle.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (string, error) {
	key, err := modules.NewKey(req.Algorithm.Name, req.Algorithm.Version)
	if err != nil {
		return "", err
	}
	state, _, err := modules.ReadState(ctx, d.broker, key)
	if err != nil {
		return "", err
	}
	if state != modules.StateRunning {
		return "", ecode.Newf(ecode.KindModuleUnavailable, "module %s is %s", key, stateWord(state))
	}

	// Endpoint coordinates are deliberately not validated here; whether
	// a point is reachable is the module's call, and it fails the job
	// with an invalid_input result.
	exists, err := d.broker.Exists(ctx, broker.MapMetaKey(req.MapID))
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ecode.Newf(ecode.KindInvalidInput, "map %d does not exist", req.MapID)
	}

	token, err := NewToken()
	if err != nil {
		return "", ecode.Wrap(ecode.KindInternal, "minting token", err)
	}

	start, _ := json.Marshal(req.Start)
	end, _ := json.Marshal(req.End)
	jobKey := broker.JobKey(token)
	if err := d.broker.HSet(ctx, jobKey, map[string]string{
		"module":     req.Algorithm.Name,
		"version":    req.Algorithm.Version,
		"map":        strconv.FormatInt(req.MapID, 10),
		"start":      string(start),
		"end":        string(end),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return "", err
	}
	if err := d.broker.Expire(ctx, jobKey, d.ttl); err != nil {
		return "", err
	}
	if err := d.broker.LPush(ctx, broker.ModuleQueueKey(key.Name, key.Version), []byte(token)); err != nil {
		return "", err
	}

	d.remember(token)
	d.metrics.RecordSubmitted()
	d.log.WithFields(logrus.Fields{
		"token":  token,
		"module": key.String(),
		"map":    req.MapID,
	}).Info("job submitted")
	return token, nil
}

func stateWord(state modules.State) string {
	if state == modules.StateOther {
		return "not registered"
	}
	return string(state)
}

// Await fetches a job's result, long-polling up to wait (capped by the
// configured maximum). A nil result comes back with a non-Done status.
func (d *Dispatcher) Await(ctx context.Context, token string, wait time.Duration) (*Result, Status, error) {
	if wait < 0 {
		wait = 0
	}
	if wait > d.maxWait {
		wait = d.maxWait
	}

	if res, err := d.fetchResult(ctx, token); err != nil {
		return nil, StatusUnknown, err
	} else if res != nil {
		return res, StatusDone, nil
	}

	if wait > 0 {
		// Subscribe before re-checking so a result written in between
		// cannot be missed.
		sub, err := d.broker.Subscribe(ctx, broker.JobEventsChannel(token))
		if err != nil {
			return nil, StatusUnknown, err
		}
		defer sub.Close()

		if res, err := d.fetchResult(ctx, token); err != nil {
			return nil, StatusUnknown, err
		} else if res != nil {
			return res, StatusDone, nil
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
	poll:
		for {
			select {
			case _, ok := <-sub.Channel():
				if !ok {
					break poll
				}
				if res, err := d.fetchResult(ctx, token); err != nil {
					return nil, StatusUnknown, err
				} else if res != nil {
					return res, StatusDone, nil
				}
				// Spurious wakeup; keep waiting out the window.
			case <-timer.C:
				break poll
			case <-ctx.Done():
				return nil, StatusUnknown, ctx.Err()
			}
		}
	}

	return nil, d.classify(ctx, token), nil
}

// fetchResult reads and decodes the result key. Returns (nil, nil) when
// no result exists yet.
func (d *Dispatcher) fetchResult(ctx context.Context, token string) (*Result, error) {
	raw, err := d.broker.Get(ctx, broker.JobResultKey(token))
	if err != nil {
		if err == broker.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "decoding job result", err)
	}
	d.observe(ctx, token, &res)
	return &res, nil
}

// classify decides what "no result" means for this token.
func (d *Dispatcher) classify(ctx context.Context, token string) Status {
	exists, err := d.broker.Exists(ctx, broker.JobKey(token))
	if err == nil && exists {
		return StatusPending
	}
	if d.known(token) {
		return StatusExpired
	}
	return StatusUnknown
}

func (d *Dispatcher) remember(token string) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for tok, rec := range d.tokens {
		if now.After(rec.expiresAt.Add(tokenRetention)) {
			delete(d.tokens, tok)
		}
	}
	d.tokens[token] = &tokenRecord{expiresAt: now.Add(d.ttl)}
}

func (d *Dispatcher) known(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tokens[token]
	return ok
}

// firstObservation marks a locally issued token's result as counted.
// Unknown tokens report true so crash recovery can count jobs from a
// previous process exactly once.
func (d *Dispatcher) firstObservation(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tokens[token]
	if !ok {
		return true
	}
	if rec.observed {
		return false
	}
	rec.observed = true
	return true
}

// observe records the completion metric once per locally issued token,
// with latency taken from the job hash if it still exists.
func (d *Dispatcher) observe(ctx context.Context, token string, res *Result) {
	d.mu.Lock()
	rec, ok := d.tokens[token]
	if !ok || rec.observed {
		d.mu.Unlock()
		return
	}
	rec.observed = true
	d.mu.Unlock()

	latency := -1.0
	if createdAt, err := d.broker.HGet(ctx, broker.JobKey(token), "created_at"); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			latency = time.Since(t).Seconds()
		}
	}
	d.metrics.RecordCompleted(res.Outcome(), latency)
}
