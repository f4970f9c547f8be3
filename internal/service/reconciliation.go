package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store"
)

// Resolve outcomes reported to metrics.
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMatched          = "matched"
	OutcomeMerged           = "merged"
)

// MetricsRecorder receives one observation per Resolve call.
type MetricsRecorder interface {
	ObserveResolve(outcome string, duration time.Duration, clusterSize int)
	IncResolveError(kind string)
}

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	store     ContactStore
	tx        TxManager
	locker    Locker
	publisher EventPublisher
	metrics   MetricsRecorder
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	publishTimeout time.Duration
}

const (
	tracerName            = "identity-reconciliation/internal/service"
	defaultPublishTimeout = 5 * time.Second
)

// Option configures a ReconciliationService.
type Option func(*ReconciliationService)

// WithLocker sets the per-cluster serialization point.
func WithLocker(l Locker) Option { return func(s *ReconciliationService) { s.locker = l } }

// WithPublisher sets where committed cluster changes are sent.
func WithPublisher(p EventPublisher) Option { return func(s *ReconciliationService) { s.publisher = p } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option { return func(s *ReconciliationService) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *ReconciliationService) { s.logger = l } }

// WithTracerProvider sets the provider resolver spans are started from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *ReconciliationService) { s.tracer = tp.Tracer(tracerName) }
}

// WithPublishTimeout bounds how long Resolve waits for event delivery after
// commit. Non-positive values keep the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *ReconciliationService) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option { return func(s *ReconciliationService) { s.now = now } }

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(store ContactStore, tx TxManager, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		store:   store,
		tx:      tx,
		locker:  noopLocker{},
		metrics: noopMetrics{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,

		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// resolution is the outcome of one committed resolve.
type resolution struct {
	summary     *models.ClusterSummary
	outcome     string
	clusterSize int
	events      []models.Event
}

// Identify resolves the observation carried by an HTTP request body.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	summary, err := s.Resolve(ctx, req.Observation())
	if err != nil {
		return nil, err
	}
	return &models.IdentifyResponse{Contact: *summary}, nil
}

// Resolve finds or creates the cluster for obs, merges any clusters the
// observation bridges, and returns the cluster's consolidated summary.
func (s *ReconciliationService) Resolve(ctx context.Context, obs models.Observation) (*models.ClusterSummary, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "identity.Resolve")
	defer span.End()

	obs = models.NewObservation(obs.Email, obs.PhoneNumber)
	if obs.Empty() {
		s.metrics.IncResolveError("invalid_input")
		span.SetStatus(codes.Error, ErrInvalidInput.Error())
		return nil, ErrInvalidInput
	}

	// Locks outlive the callback: they are released only after the
	// transaction has committed or rolled back.
	locks := &heldLocks{}
	defer locks.release()

	var res *resolution
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		r, err := s.resolveInTx(ctx, obs, locks)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	locks.release()
	if err != nil {
		err = storeErr("transaction", err)
		s.metrics.IncResolveError(errorKind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("identity.primary_id", res.summary.PrimaryContactID),
		attribute.Int("identity.cluster_size", res.clusterSize),
		attribute.String("identity.outcome", res.outcome),
	)
	s.metrics.ObserveResolve(res.outcome, time.Since(start), res.clusterSize)
	s.publish(ctx, res.events)

	return res.summary, nil
}

func (s *ReconciliationService) resolveInTx(ctx context.Context, obs models.Observation, locks *heldLocks) (*resolution, error) {
	release, err := s.locker.Lock(ctx, identityKeys(obs)...)
	if err != nil {
		return nil, storeErr("lock identity", err)
	}
	locks.add(release)

	seeds, err := s.store.FindByEmailOrPhone(ctx, obs.Email, obs.PhoneNumber)
	if err != nil {
		return nil, storeErr("find by email or phone", err)
	}
	if len(seeds) == 0 {
		return s.createPrimary(ctx, obs)
	}

	cluster, err := s.closure(ctx, obs, seeds)
	if err != nil {
		return nil, err
	}

	// Another resolve may have reshaped the cluster before we held its lock,
	// so seeds and closure are read again under it. If a merge moved the
	// cluster's smallest id, that key is locked as well.
	locked := make(map[string]bool)
	for key := clusterKey(cluster); !locked[key]; key = clusterKey(cluster) {
		releaseCluster, err := s.locker.Lock(ctx, key)
		if err != nil {
			return nil, storeErr("lock cluster", err)
		}
		locks.add(releaseCluster)
		locked[key] = true

		seeds, err = s.store.FindByEmailOrPhone(ctx, obs.Email, obs.PhoneNumber)
		if err != nil {
			return nil, storeErr("find by email or phone", err)
		}
		if len(seeds) == 0 {
			return s.createPrimary(ctx, obs)
		}
		cluster, err = s.closure(ctx, obs, seeds)
		if err != nil {
			return nil, err
		}
	}

	return s.consolidate(ctx, obs, seeds, cluster)
}

func (s *ReconciliationService) createPrimary(ctx context.Context, obs models.Observation) (*resolution, error) {
	created, err := s.store.Insert(ctx, models.NewContact{
		Email:          obs.Email,
		PhoneNumber:    obs.PhoneNumber,
		LinkPrecedence: models.PrecedencePrimary,
	})
	if err != nil {
		return nil, storeErr("insert primary", err)
	}

	s.logger.DebugContext(ctx, "primary contact created", slog.Int64("contact_id", created.ID))

	return &resolution{
		summary:     project([]models.Contact{created}, created.ID),
		outcome:     OutcomeCreatedPrimary,
		clusterSize: 1,
		events: []models.Event{{
			Type:           models.EventContactCreated,
			ContactID:      created.ID,
			PrimaryID:      created.ID,
			LinkPrecedence: models.PrecedencePrimary,
			OccurredAt:     s.now(),
		}},
	}, nil
}

// consolidate picks the canonical contact, relinks the rest of the cluster to
// it, records the observation if it carries a new fact, and projects the result.
func (s *ReconciliationService) consolidate(ctx context.Context, obs models.Observation, seeds, cluster []models.Contact) (*resolution, error) {
	canonical := canonicalOf(cluster)
	relinks := planRelinks(cluster, canonical.ID)

	res := &resolution{outcome: OutcomeMatched}
	var demoted []int64

	view := make([]models.Contact, len(cluster))
	copy(view, cluster)
	index := make(map[int64]int, len(view))
	for i, c := range view {
		index[c.ID] = i
	}

	for _, r := range relinks {
		if err := s.store.UpdatePrecedence(ctx, r.id, r.precedence, r.linkedID); err != nil {
			return nil, storeErr("update precedence", err)
		}
		c := &view[index[r.id]]
		if c.IsPrimary() && r.precedence == models.PrecedenceSecondary {
			demoted = append(demoted, r.id)
		}
		previous := c.LinkedID
		c.LinkPrecedence = r.precedence
		c.LinkedID = r.linkedID

		res.events = append(res.events, models.Event{
			Type:           models.EventContactRelinked,
			ContactID:      r.id,
			PrimaryID:      canonical.ID,
			LinkPrecedence: r.precedence,
			PreviousLink:   previous,
			OccurredAt:     s.now(),
		})
	}

	wrote := len(relinks) > 0
	if isNovel(seeds, obs) {
		linked := canonical.ID
		created, err := s.store.Insert(ctx, models.NewContact{
			Email:          obs.Email,
			PhoneNumber:    obs.PhoneNumber,
			LinkedID:       &linked,
			LinkPrecedence: models.PrecedenceSecondary,
		})
		if err != nil {
			return nil, storeErr("insert secondary", err)
		}
		view = append(view, created)
		wrote = true
		res.outcome = OutcomeCreatedSecondary
		res.events = append(res.events, models.Event{
			Type:           models.EventContactCreated,
			ContactID:      created.ID,
			PrimaryID:      canonical.ID,
			LinkPrecedence: models.PrecedenceSecondary,
			OccurredAt:     s.now(),
		})
	}

	if wrote {
		stored, err := s.reload(ctx, view)
		if err != nil {
			return nil, err
		}
		view = stored
	}

	if err := verify(view, canonical.ID); err != nil {
		s.logger.ErrorContext(ctx, "cluster failed verification",
			slog.Int64("primary_id", canonical.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if len(demoted) > 0 {
		res.outcome = OutcomeMerged
		s.logger.InfoContext(ctx, "clusters merged",
			slog.Int64("primary_id", canonical.ID),
			slog.Any("demoted_ids", demoted),
		)
	}

	res.summary = project(view, canonical.ID)
	res.clusterSize = len(view)
	return res, nil
}

// reload reads the cluster back inside the transaction so verification
// sees what the store holds rather than what was planned.
func (s *ReconciliationService) reload(ctx context.Context, view []models.Contact) ([]models.Contact, error) {
	ids := make([]int64, len(view))
	for i, c := range view {
		ids[i] = c.ID
	}
	stored, err := s.store.FindByIDs(ctx, ids)
	if err != nil {
		return nil, storeErr("find by ids", err)
	}
	if len(stored) != len(view) {
		return nil, invariantErr("cluster of %d contacts reloaded as %d", len(view), len(stored))
	}
	return stored, nil
}

func (s *ReconciliationService) publish(ctx context.Context, events []models.Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	// The transaction is committed; a canceled request must not drop its events
	// and an unreachable broker must not hold the response.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.WarnContext(ctx, "publish cluster events",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
	}
}

// heldLocks collects release funcs taken during one resolve.
type heldLocks struct {
	releases []func()
}

func (h *heldLocks) add(release func()) {
	h.releases = append(h.releases, release)
}

// release runs every release func once, newest first.
func (h *heldLocks) release() {
	for i := len(h.releases) - 1; i >= 0; i-- {
		h.releases[i]()
	}
	h.releases = nil
}

func identityKeys(obs models.Observation) []string {
	keys := make([]string, 0, 2)
	if obs.Email != nil {
		keys = append(keys, "email:"+*obs.Email)
	}
	if obs.PhoneNumber != nil {
		keys = append(keys, "phone:"+*obs.PhoneNumber)
	}
	return keys
}

// clusterKey names a cluster by its smallest contact id.
func clusterKey(cluster []models.Contact) string {
	lowest := cluster[0].ID
	for _, c := range cluster[1:] {
		if c.ID < lowest {
			lowest = c.ID
		}
	}
	return "cluster:" + strconv.FormatInt(lowest, 10)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, store.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	default:
		return "store"
	}
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, ...string) (func(), error) { return func() {}, nil }

type noopMetrics struct{}

func (noopMetrics) ObserveResolve(string, time.Duration, int) {}
func (noopMetrics) IncResolveError(string)                    {}
