package machine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/observability"
	"github.com/tradelane/dataspace/pkg/persistence"
	"github.com/tradelane/dataspace/pkg/store"
)

// errStaleSnapshot aborts the claim transaction when the batch row no
// longer reflects the stored entity.
var errStaleSnapshot = errors.New("stale snapshot")

// Config tunes one driver instance.
type Config struct {
	// WorkerID identifies this runtime instance as a lease holder.
	WorkerID string
	// LeaseDuration must exceed the worst-case handler latency; the lease
	// is the only guard while the handler runs.
	LeaseDuration time.Duration
	// MaxBatchSize bounds one NextForState fetch.
	MaxBatchSize int
	// PollInterval is the sleep between empty polling rounds.
	PollInterval time.Duration
	// MaxStateCountBeforeFatal converts further retries into a fatal
	// transition, preventing infinite retry loops.
	MaxStateCountBeforeFatal int
	// RetryBaseDelay scales linearly with stateCount to hold a failed
	// entity back before its next attempt.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the stock tuning. The worker id combines hostname
// and a random suffix so two instances on one machine stay distinct.
func DefaultConfig() Config {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return Config{
		WorkerID:                 fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		LeaseDuration:            30 * time.Second,
		MaxBatchSize:             20,
		PollInterval:             time.Second,
		MaxStateCountBeforeFatal: 7,
		RetryBaseDelay:           500 * time.Millisecond,
	}
}

// Driver is the polling loop for one entity family. Multiple drivers on
// the same table, in the same process or across processes, coordinate
// purely through leases.
type Driver struct {
	store    *store.SQLStore
	cfg      Config
	handlers map[int]Handler
	watch    []int // registration order doubles as polling priority
	logger   *slog.Logger
	metrics  *observability.Provider
	pace     *rate.Limiter
	clock    func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithMetrics attaches an observability provider.
func WithMetrics(p *observability.Provider) Option {
	return func(d *Driver) { d.metrics = p }
}

// WithClock overrides the time source for backoff decisions.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) { d.clock = clock }
}

// New builds a driver over one family's store.
func New(st *store.SQLStore, cfg Config, logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		store:    st,
		cfg:      cfg,
		handlers: map[int]Handler{},
		logger:   logger.With("family", st.Definition().States.Family, "worker", cfg.WorkerID),
		pace:     rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnState registers the handler for a state code. Registration order is
// polling priority: register earlier lifecycle states first so a flood of
// new work cannot starve near-complete work. Terminal states are never
// polled, so registering one is a configuration error.
func (d *Driver) OnState(stateCode int, h Handler) error {
	states := d.store.Definition().States
	if states.IsTerminal(stateCode) {
		return fmt.Errorf("state %s (%d) is terminal and cannot have a handler",
			states.Name(stateCode), stateCode)
	}
	if _, dup := d.handlers[stateCode]; dup {
		return fmt.Errorf("state %s (%d) already has a handler", states.Name(stateCode), stateCode)
	}
	d.handlers[stateCode] = h
	d.watch = append(d.watch, stateCode)
	return nil
}

// Run polls until the context is cancelled. Errors inside a round are
// logged, never fatal to the loop.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "state machine driver started",
		"states", len(d.watch),
		"lease_duration", d.cfg.LeaseDuration,
		"poll_interval", d.cfg.PollInterval,
	)
	for {
		if ctx.Err() != nil {
			d.logger.InfoContext(ctx, "state machine driver stopped")
			return nil
		}
		processed, err := d.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.WarnContext(ctx, "polling round failed", "error", err)
		}
		if processed == 0 {
			if err := d.pace.Wait(ctx); err != nil {
				d.logger.InfoContext(ctx, "state machine driver stopped")
				return nil
			}
		}
	}
}

// PollOnce runs a single polling round over all watched states and returns
// how many entities were processed.
func (d *Driver) PollOnce(ctx context.Context) (int, error) {
	processed := 0
	for _, stateCode := range d.watch {
		batch, err := d.store.NextForState(ctx, stateCode, d.cfg.MaxBatchSize)
		if err != nil {
			return processed, err
		}
		for _, rec := range batch {
			if !d.due(rec) {
				continue
			}
			if d.processOne(ctx, rec) {
				processed++
			}
		}
	}
	return processed, nil
}

// due enforces the stateCount-scaled retry delay. Fresh entities are always
// due; the fetch already ordered them oldest first.
func (d *Driver) due(rec *entity.Record) bool {
	if rec.StateCount == 0 {
		return true
	}
	delay := time.Duration(rec.StateCount) * d.cfg.RetryBaseDelay
	return d.clock().UnixMilli() >= rec.StateTimestamp+delay.Milliseconds()
}

// processOne claims, handles and persists a single entity. Returns false
// when the entity was skipped (lost claim race or transient failure).
func (d *Driver) processOne(ctx context.Context, rec *entity.Record) bool {
	states := d.store.Definition().States
	log := d.logger.With("entity", rec.ID, "state", states.Name(rec.StateCode))

	err := d.store.InTx(ctx, func(s *store.SQLStore, tx *sql.Tx) error {
		if _, err := s.Leases().Acquire(ctx, tx, rec.ID, d.cfg.WorkerID, d.cfg.LeaseDuration); err != nil {
			return err
		}
		// The batch snapshot may be stale: another worker can have
		// processed and released the entity since the fetch. Re-read
		// under the fresh lease and bail out if it moved on.
		fresh, err := s.FindByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		if fresh.StateCode != rec.StateCode || fresh.Pending {
			// Rolling back the transaction undoes the acquire.
			return errStaleSnapshot
		}
		*rec = *fresh
		return nil
	})
	if d.metrics != nil {
		d.metrics.RecordClaim(ctx, states.Family, err == nil)
	}
	if errors.Is(err, persistence.ErrConflict) || errors.Is(err, errStaleSnapshot) {
		// Raced by another worker. Expected under concurrent polling.
		log.DebugContext(ctx, "claim lost", "error", err)
		return false
	}
	if err != nil {
		log.WarnContext(ctx, "claim failed", "error", err)
		return false
	}

	outcome := d.decide(ctx, rec, log)

	err = d.store.InTx(ctx, func(s *store.SQLStore, tx *sql.Tx) error {
		d.apply(rec, outcome)
		if err := s.Update(ctx, rec); err != nil {
			return err
		}
		return s.Leases().Release(ctx, tx, rec.ID, d.cfg.WorkerID)
	})
	if err != nil {
		// Likely the lease expired mid-handler and someone else took over.
		// Their transition wins; ours is abandoned.
		log.WarnContext(ctx, "persist failed, abandoning transition",
			"outcome", outcome.String(), "error", err)
		return false
	}

	if d.metrics != nil {
		d.metrics.RecordTransition(ctx, states.Family, outcome.String())
	}
	switch outcome.kind {
	case kindFatal:
		log.ErrorContext(ctx, "entity moved to error state",
			"error_detail", rec.ErrorDetail, "attempts", rec.StateCount)
	case kindRetry:
		log.WarnContext(ctx, "attempt failed, will retry",
			"error_detail", rec.ErrorDetail, "attempts", rec.StateCount)
	default:
		log.InfoContext(ctx, "entity transitioned",
			"outcome", outcome.String(), "new_state", states.Name(rec.StateCode))
	}
	return true
}

// decide produces the outcome for a claimed entity: the retry-limit check
// first, then the handler, with panics downgraded to retries.
func (d *Driver) decide(ctx context.Context, rec *entity.Record, log *slog.Logger) Outcome {
	if d.cfg.MaxStateCountBeforeFatal > 0 && rec.StateCount >= d.cfg.MaxStateCountBeforeFatal {
		reason := rec.ErrorDetail
		if reason == "" {
			reason = "retry limit exceeded"
		}
		return Fatal(reason)
	}

	handler, ok := d.handlers[rec.StateCode]
	if !ok {
		return Retry(fmt.Sprintf("no handler for state %d", rec.StateCode))
	}

	started := d.clock()
	outcome := d.invoke(ctx, handler, rec, log)
	if d.metrics != nil {
		states := d.store.Definition().States
		d.metrics.RecordHandlerDuration(ctx, states.Family, states.Name(rec.StateCode), d.clock().Sub(started))
	}
	return outcome
}

func (d *Driver) invoke(ctx context.Context, handler Handler, rec *entity.Record, log *slog.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "handler panicked", "panic", r)
			outcome = Retry(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, rec)
}

// apply mutates the record per the outcome. The lease release that follows
// happens in the same transaction as the update.
func (d *Driver) apply(rec *entity.Record, outcome Outcome) {
	switch outcome.kind {
	case kindAdvance:
		rec.TransitionTo(outcome.nextState, d.clock)
	case kindRetry:
		rec.RegisterFailure(outcome.reason, d.clock)
	case kindFatal:
		rec.TransitionTo(d.store.Definition().States.ErrorCode, d.clock)
		rec.ErrorDetail = outcome.reason
	case kindPending:
		rec.MarkPending(d.clock)
	}
}
