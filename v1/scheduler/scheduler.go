package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/cache"
	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/lock"
	"github.com/mirkobrombin/go-crowdlock/v1/metrics"
	"github.com/mirkobrombin/go-crowdlock/v1/syncbus"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-crowdlock/v1/scheduler")

// DefaultMaxOffset bounds offsets of projects that do not set their own.
const DefaultMaxOffset = 10

// ErrInvalidOffset is returned by ValidateOffset.
var ErrInvalidOffset = errors.New("crowdlock: invalid offset")

// Outcome tells why NextTask returned what it returned.
type Outcome string

const (
	// OutcomeOffered means a slot was reserved and Offer.Task is set.
	OutcomeOffered Outcome = "offered"
	// OutcomeNoEligible means no task survived exclusions and filters.
	OutcomeNoEligible Outcome = "no_eligible"
	// OutcomeCapacityExhausted means eligible tasks exist but every one is
	// full or beyond the offset.
	OutcomeCapacityExhausted Outcome = "capacity_exhausted"
)

// Options tune a single NextTask call.
type Options struct {
	// Randomize shuffles equally ranked tasks even when the project does
	// not ask for it.
	Randomize bool
}

// Offer is the result of NextTask. Task is nil unless Outcome is
// OutcomeOffered.
type Offer struct {
	Task        *task.Task
	PresentedAt time.Time
	Outcome     Outcome
}

// Locker is the slot manager used by the scheduler.
type Locker interface {
	AcquireSlot(ctx context.Context, resourceID, holderID string, limit int, ttl time.Duration) (bool, error)
	Occupancy(ctx context.Context, holderID string, resourceIDs []string) (map[string]lock.Occupancy, error)
	ReleaseSlot(ctx context.Context, resourceID, holderID string) error
	ReleaseAllSlotsFor(ctx context.Context, holderID string) ([]string, error)
}

// Stamper records offers.
type Stamper interface {
	Stamp(ctx context.Context, taskID, holderID string, ttl time.Duration) error
	StampPresentedTime(ctx context.Context, taskID, holderID string, ttl time.Duration) (time.Time, error)
	RetrievePresentedTimestamp(ctx context.Context, taskID, holderID string) (time.Time, bool, error)
	StampCancelled(ctx context.Context, taskID, holderID string, ttl time.Duration) error
	RetrieveCancelledTimestamp(ctx context.Context, taskID, holderID string) (time.Time, bool, error)
	RemoveCancelledTimestamp(ctx context.Context, taskID, holderID string) error
	Invalidate(ctx context.Context, taskID, holderID string) error
}

// Scheduler selects and reserves tasks.
type Scheduler struct {
	repo   task.Repository
	locks  Locker
	guard  Stamper
	logger *zap.Logger
	now    func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand

	maxOffset    int
	traceEnabled bool

	candidates *cache.Loader[[]*task.Task]
	bus        syncbus.Bus

	watchMu     sync.Mutex
	watched     map[string]struct{}
	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRandSource sets the source used for gold injection and shuffling.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) { s.rnd = rand.New(src) }
}

// WithMaxOffset sets the default offset bound.
func WithMaxOffset(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxOffset = n
		}
	}
}

// WithCandidateCache memoizes the ongoing tasks of each project in c for
// ttl.
func WithCandidateCache(c cache.Cache[[]*task.Task], ttl time.Duration) Option {
	return func(s *Scheduler) { s.candidates = cache.NewLoader(c, ttl) }
}

// WithBus drops cached candidates when a project event is received.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithTracing enables OpenTelemetry spans.
func WithTracing() Option {
	return func(s *Scheduler) { s.traceEnabled = true }
}

// New returns a Scheduler.
func New(repo task.Repository, locks Locker, guard Stamper, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:        repo,
		locks:       locks,
		guard:       guard,
		logger:      zap.NewNop(),
		now:         time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		maxOffset:   DefaultMaxOffset,
		watched:     make(map[string]struct{}),
		watchCtx:    ctx,
		watchCancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops listening for invalidation events.
func (s *Scheduler) Close() {
	s.watchCancel()
}

func (s *Scheduler) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !s.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

// ValidateOffset rejects offsets outside [0, max offset of project].
func (s *Scheduler) ValidateOffset(project *task.Project, offset int) error {
	limit := s.maxOffset
	if project != nil && project.MaxOffset > 0 {
		limit = project.MaxOffset
	}
	if offset < 0 || offset > limit {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidOffset, offset, limit)
	}
	return nil
}

// NextTask reserves and returns the next task for userID. Having nothing to
// offer is not an error: Offer.Outcome tells why. Store failures abort the
// selection without granting anything. Offsets outside the project bound
// fail with ErrInvalidOffset.
func (s *Scheduler) NextTask(ctx context.Context, projectID, userID string, offset int, opts Options) (Offer, error) {
	start := time.Now()
	defer func() { metrics.SelectLatency.Observe(time.Since(start).Seconds()) }()
	ctx, span := s.span(ctx, "Scheduler.NextTask",
		attribute.String("crowdlock.project", projectID),
		attribute.String("crowdlock.user", userID),
		attribute.Int("crowdlock.offset", offset))
	defer span.End()

	offer, err := s.nextTask(ctx, projectID, userID, offset, opts)
	if err != nil {
		span.RecordError(err)
		return Offer{}, err
	}
	metrics.OfferCounter.WithLabelValues(string(offer.Outcome)).Inc()
	span.SetAttributes(attribute.String("crowdlock.outcome", string(offer.Outcome)))
	if offer.Task != nil {
		span.SetAttributes(attribute.String("crowdlock.task", offer.Task.ID))
	}
	s.logger.Debug("crowdlock: next task",
		zap.String("project", projectID),
		zap.String("user", userID),
		zap.String("outcome", string(offer.Outcome)))
	return offer, nil
}

func (s *Scheduler) nextTask(ctx context.Context, projectID, userID string, offset int, opts Options) (Offer, error) {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return Offer{}, err
	}
	if err := s.ValidateOffset(project, offset); err != nil {
		return Offer{}, err
	}
	tasks, err := s.loadCandidates(ctx, projectID)
	if err != nil {
		return Offer{}, err
	}
	answered, err := s.repo.AnsweredTaskIDs(ctx, projectID, userID)
	if err != nil {
		return Offer{}, err
	}
	pool := openTasks(tasks, answered, s.now())
	pool = s.injectGold(project, pool)

	profile, err := s.repo.GetUserProfile(ctx, userID)
	if err != nil {
		return Offer{}, err
	}
	cands := s.eligible(pool, profile)
	if len(cands) == 0 {
		return Offer{Outcome: OutcomeNoEligible}, nil
	}

	ids := make([]string, len(cands))
	for i, r := range cands {
		ids[i] = r.task.ID
	}
	occ, err := s.locks.Occupancy(ctx, userID, ids)
	if err != nil {
		return Offer{}, err
	}
	available := cands[:0]
	for _, r := range cands {
		o := occ[r.task.ID]
		if o.Full(slotLimit(r.task)) {
			continue
		}
		r.held = o.Held
		available = append(available, r)
	}
	s.order(available, opts.Randomize || project.Randomize)

	timeout := project.Timeout()
	for i := offset; i < len(available); i++ {
		t := available[i].task
		ok, err := s.locks.AcquireSlot(ctx, t.ID, userID, slotLimit(t), timeout)
		if err != nil {
			return Offer{}, err
		}
		if !ok {
			continue
		}
		t, err = s.current(ctx, t)
		if err != nil || t == nil {
			if rerr := s.locks.ReleaseSlot(ctx, available[i].task.ID, userID); rerr != nil {
				s.logger.Warn("crowdlock: release stale candidate", zap.String("task", available[i].task.ID), zap.Error(rerr))
			}
			if err != nil {
				return Offer{}, err
			}
			continue
		}
		at, err := s.stampOffer(ctx, t.ID, userID, timeout)
		if err != nil {
			if rerr := s.locks.ReleaseSlot(ctx, t.ID, userID); rerr != nil {
				s.logger.Warn("crowdlock: release after failed stamp", zap.String("task", t.ID), zap.Error(rerr))
			}
			return Offer{}, err
		}
		if t.Gold {
			metrics.GoldInjectionCounter.Inc()
		}
		return Offer{Task: t.Clone(), PresentedAt: at, Outcome: OutcomeOffered}, nil
	}
	return Offer{Outcome: OutcomeCapacityExhausted}, nil
}

// current re-reads t once its slot is granted and returns nil when the task
// can no longer be offered. Candidates may come from a stale cache.
func (s *Scheduler) current(ctx context.Context, t *task.Task) (*task.Task, error) {
	fresh, err := s.repo.GetTask(ctx, t.ID)
	if err != nil && !errors.Is(err, crowderrors.ErrNotFound) {
		return nil, err
	}
	if fresh != nil && fresh.State == task.StateOngoing && !fresh.Saturated() && !fresh.Expired(s.now()) {
		return fresh, nil
	}
	s.logger.Debug("crowdlock: skip stale candidate", zap.String("task", t.ID))
	if err := s.InvalidateProject(ctx, t.ProjectID); err != nil {
		s.logger.Warn("crowdlock: drop cached candidates", zap.String("project", t.ProjectID), zap.Error(err))
	}
	return nil, nil
}

// slotLimit is the number of concurrent workers a task admits.
func slotLimit(t *task.Task) int {
	if t.Required < 1 {
		return 1
	}
	return t.Required
}

// openTasks drops tasks that cannot be offered regardless of the worker profile.
func openTasks(tasks []*task.Task, answered []string, now time.Time) []*task.Task {
	done := make(map[string]struct{}, len(answered))
	for _, id := range answered {
		done[id] = struct{}{}
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.State != task.StateOngoing || t.Expired(now) || t.Saturated() {
			continue
		}
		if _, ok := done[t.ID]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// injectGold keeps only gold tasks when the coin flip hits and any exist,
// and only regular tasks otherwise.
func (s *Scheduler) injectGold(project *task.Project, pool []*task.Task) []*task.Task {
	var gold, regular []*task.Task
	for _, t := range pool {
		if t.Gold {
			gold = append(gold, t)
		} else {
			regular = append(regular, t)
		}
	}
	if len(gold) > 0 && project.GoldProbability > 0 && s.float64() < project.GoldProbability {
		return gold
	}
	return regular
}

func (s *Scheduler) stampOffer(ctx context.Context, taskID, userID string, ttl time.Duration) (time.Time, error) {
	if err := s.guard.Stamp(ctx, taskID, userID, ttl); err != nil {
		return time.Time{}, err
	}
	_, cancelled, err := s.guard.RetrieveCancelledTimestamp(ctx, taskID, userID)
	if err != nil {
		return time.Time{}, err
	}
	at, present, err := s.guard.RetrievePresentedTimestamp(ctx, taskID, userID)
	if err != nil {
		return time.Time{}, err
	}
	if present && !cancelled {
		return at, nil
	}
	if at, err = s.guard.StampPresentedTime(ctx, taskID, userID, ttl); err != nil {
		return time.Time{}, err
	}
	if cancelled {
		if err := s.guard.RemoveCancelledTimestamp(ctx, taskID, userID); err != nil {
			s.logger.Warn("crowdlock: remove cancel marker", zap.String("task", taskID), zap.Error(err))
		}
	}
	return at, nil
}

// Cancel gives a task back before its timeout. The next offer of the same
// task to the same worker gets a fresh presented time. Tasks of another
// project are reported as errors.ErrNotFound.
func (s *Scheduler) Cancel(ctx context.Context, projectID, taskID, userID string) error {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.ProjectID != projectID {
		return fmt.Errorf("task %s of project %s: %w", taskID, projectID, crowderrors.ErrNotFound)
	}
	if err := s.locks.ReleaseSlot(ctx, taskID, userID); err != nil {
		return err
	}
	if err := s.guard.Invalidate(ctx, taskID, userID); err != nil {
		return err
	}
	return s.guard.StampCancelled(ctx, taskID, userID, project.Timeout())
}

// Release frees every slot held by userID, typically on logout.
func (s *Scheduler) Release(ctx context.Context, userID string) ([]string, error) {
	released, err := s.locks.ReleaseAllSlotsFor(ctx, userID)
	if err != nil {
		s.logger.Warn("crowdlock: release on logout", zap.String("user", userID), zap.Error(err))
		return released, err
	}
	return released, nil
}

func (s *Scheduler) float64() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rnd.Float64()
}

func (s *Scheduler) shuffle(n int, swap func(i, j int)) {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	s.rnd.Shuffle(n, swap)
}
