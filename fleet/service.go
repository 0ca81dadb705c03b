package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/generic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/warp/fleet-ledger/fleet")

// =============================================================================
// SERVICE - Entry point for every balance-affecting operation
// =============================================================================

// Service wires the store, locking, numbering and the two balance updaters.
// All methods are safe for concurrent use.
type Service struct {
	store   Store
	locker  Locker
	seq     Sequencer
	log     *logrus.Logger
	now     func() time.Time
	timeout time.Duration

	delta  *DeltaUpdater
	recalc *Recalculator
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the in-process locker, e.g. with a Redis locker.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithSequencer replaces the store-backed payment number sequencer.
func WithSequencer(q Sequencer) Option { return func(s *Service) { s.seq = q } }

func WithLogger(l *logrus.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithBackoff sets the retry policy for customer recomputation.
func WithBackoff(b generic.Backoff) Option {
	return func(s *Service) { s.recalc.backoff = b }
}

// WithOperationTimeout bounds every operation, lock waits included.
func WithOperationTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: NewKeyedLocker(),
		seq:    StoreSequencer{Store: store},
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	s.recalc = &Recalculator{store: store, backoff: generic.DefaultBackoff, pending: make(map[generic.ID]time.Time)}
	for _, opt := range opts {
		opt(s)
	}
	s.delta = &DeltaUpdater{now: s.now, log: s.log}
	s.recalc.now = s.now
	s.recalc.log = s.log
	return s
}

// Store returns the underlying store for read-only callers.
func (s *Service) Store() Store { return s.store }

// Recalculator exposes the customer balance engine.
func (s *Service) Recalculator() *Recalculator { return s.recalc }

// Deltas exposes the car/employee delta updater.
func (s *Service) Deltas() *DeltaUpdater { return s.delta }

// start applies the operation timeout and opens a span. The returned func
// must be called with the operation's final error.
func (s *Service) start(ctx context.Context, op string) (context.Context, func(error)) {
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	ctx, span := tracer.Start(ctx, "fleet."+op, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.kind", generic.KindOf(err)))
			if !generic.IsClientError(err) && !generic.IsNotFound(err) {
				span.SetStatus(codes.Error, err.Error())
				s.logError(op, err)
			}
		}
		span.End()
		cancel()
	}
}

// lock acquires keys, translating a context timeout into a transient error.
func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return nil, generic.Unavailable(err)
	}
	return release, nil
}

func (s *Service) logError(op string, err error) {
	s.log.WithFields(logrus.Fields{
		"module":   "fleet",
		"funcName": op,
		"kind":     generic.KindOf(err),
	}).Error(err.Error())
}

// openPeriod returns the open period pointer, creating it for the current
// month on first use.
func (s *Service) openPeriod(ctx context.Context, st Store) (generic.OpenPeriod, error) {
	p, found, err := st.Period(ctx)
	if err != nil || found {
		return p, err
	}
	p = generic.OpenPeriod{Key: generic.MonthOf(s.now().UTC()), Version: 1, OpenedAt: s.now()}
	if err := st.SwapPeriod(ctx, 0, p); err != nil {
		if !errors.Is(err, generic.ErrConcurrentModification) {
			return generic.OpenPeriod{}, err
		}
		p, _, err = st.Period(ctx)
		return p, err
	}
	return p, nil
}

// CurrentPeriod returns the open period, initializing it if needed.
func (s *Service) CurrentPeriod(ctx context.Context) (generic.OpenPeriod, error) {
	var p generic.OpenPeriod
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		p, err = s.openPeriod(ctx, tx)
		return err
	})
	return p, err
}

// activeTarget loads the target and rejects closed accounts.
func activeTarget(ctx context.Context, st Store, ref generic.Ref) error {
	var status Status
	switch ref.Kind {
	case generic.KindCar:
		c, err := st.Cars().Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		status = c.Status
	case generic.KindCustomer:
		c, err := st.Customers().Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		status = c.Status
	case generic.KindEmployee:
		e, err := st.Employees().Get(ctx, ref.ID)
		if err != nil {
			return err
		}
		status = e.Status
	default:
		return generic.Errorf(generic.ErrInvalidTarget, "unknown target kind %q", ref.Kind)
	}
	if status == StatusClosed {
		return generic.Errorf(generic.ErrAccountClosed, "%s %s is closed", ref.Kind, ref.ID)
	}
	return nil
}

// uniqueIDs merges id lists, dropping nil and duplicates.
func uniqueIDs(lists ...[]generic.ID) []generic.ID {
	seen := make(map[generic.ID]bool)
	var out []generic.ID
	for _, l := range lists {
		for _, id := range l {
			if id == generic.NilID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
