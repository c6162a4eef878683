package shockcase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// MaxRegistryIDAttempts bounds Registry ID regeneration on collision.
const MaxRegistryIDAttempts = 5

const notifyTimeout = 5 * time.Second

// ArchiveNotifier receives archival events after the archive commits.
type ArchiveNotifier interface {
	NotifyArchived(ctx context.Context, ev ArchivedEvent) error
}

// Recorder receives lifecycle metrics.
type Recorder interface {
	ObserveOperation(op, result string, d time.Duration)
	RegistryIDCollision()
	ArchiveEventFailed()
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) RegistryIDCollision()                          {}
func (nopRecorder) ArchiveEventFailed()                           {}

// Service is the only entry point to the case lifecycle. It holds no
// mutable state of its own; per-case ordering is provided by the
// Repository. Tracking tokens are never logged or published.
type Service struct {
	repo     Repository
	ids      IDGenerator
	agg      Aggregator
	notifier ArchiveNotifier
	metrics  Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithIDGenerator(g IDGenerator) Option  { return func(s *Service) { s.ids = g } }
func WithAggregator(a Aggregator) Option    { return func(s *Service) { s.agg = a } }
func WithNotifier(n ArchiveNotifier) Option { return func(s *Service) { s.notifier = n } }
func WithRecorder(r Recorder) Option        { return func(s *Service) { s.metrics = r } }
func WithLogger(l zerolog.Logger) Option    { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		ids:     NewIDGenerator(),
		agg:     SummaryAggregator{},
		metrics: nopRecorder{},
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest carries the classification captured at submission.
type CreateRequest struct {
	ShockType ShockType
	SCAIStage SCAIStage
	AgeDecade int
	Sex       Sex
	Admission *Admission
}

func (r CreateRequest) validate() error {
	if !r.ShockType.Valid() {
		return invalidArgument("unknown shock type %q", r.ShockType)
	}
	if !r.SCAIStage.Valid() {
		return invalidArgument("unknown SCAI stage %q", r.SCAIStage)
	}
	if !ValidAgeDecade(r.AgeDecade) {
		return invalidArgument("age decade must be a multiple of 10 between 0 and 100, got %d", r.AgeDecade)
	}
	if !r.Sex.Valid() {
		return invalidArgument("unknown sex %q", r.Sex)
	}
	return nil
}

// Create registers a new pending case and returns its tracking token.
// Every call mints a new token; deduplication belongs to the caller.
func (s *Service) Create(ctx context.Context, req CreateRequest) (tt TrackingToken, err error) {
	defer s.observe("create", time.Now(), &err)

	if err := req.validate(); err != nil {
		return "", err
	}

	now := s.now()
	c := &Case{
		TT:        s.ids.NewTrackingToken(),
		Status:    StatusPending,
		ShockType: req.ShockType,
		AgeDecade: req.AgeDecade,
		Sex:       req.Sex,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.SetSCAIStage(req.SCAIStage)
	if req.Admission != nil {
		c.Sections.Merge(*req.Admission, now)
	}

	if err := s.repo.PutCase(ctx, c); err != nil {
		return "", &Error{Kind: KindPersistence, Err: err}
	}

	s.logger.Info().
		Str("shock_type", string(c.ShockType)).
		Str("scai_stage", string(c.SCAIStage)).
		Msg("case created")
	return c.TT, nil
}

// GetCase returns the active case together with its section visibility.
func (s *Service) GetCase(ctx context.Context, tt TrackingToken) (*CaseView, error) {
	c, err := s.repo.GetCase(ctx, tt)
	if err != nil {
		return nil, s.fail(tt, err)
	}
	return newCaseView(c), nil
}

// Update merges payload into its section and, when scai is non-nil,
// records a new SCAI stage. Either may be omitted, not both.
func (s *Service) Update(ctx context.Context, tt TrackingToken, payload SectionPayload, scai *SCAIStage) (err error) {
	defer s.observe("update", time.Now(), &err)

	if payload == nil && scai == nil {
		return invalidArgument("nothing to update")
	}
	if payload != nil && isNilPayload(payload) {
		return invalidArgument("nil %T section payload", payload)
	}
	if scai != nil && !scai.Valid() {
		return invalidArgument("unknown SCAI stage %q", *scai)
	}
	if o, ok := deref(payload).(Outcome); ok && !o.Status.Valid() {
		return invalidArgument("unknown outcome status %q", o.Status)
	}

	_, err = s.repo.UpdateCase(ctx, tt, func(c *Case) error {
		if payload != nil {
			if !VisibleSections(c.Status).Has(payload.Section()) {
				return &Error{Kind: KindSectionNotVisible, Token: tt, From: c.Status, Section: payload.Section()}
			}
		} else if c.Status.Terminal() {
			return &Error{Kind: KindInvalidState, Token: tt, From: c.Status}
		}

		now := s.now()
		if payload != nil {
			c.Sections.Merge(payload, now)
		}
		if scai != nil {
			c.SetSCAIStage(*scai)
		}
		c.UpdatedAt = now
		c.Version++
		return nil
	})
	if err != nil {
		return s.fail(tt, err)
	}
	return nil
}

// Transition moves a case along the workflow. Archival is reachable only
// through CloseAndArchive.
func (s *Service) Transition(ctx context.Context, tt TrackingToken, target Status) (next Status, err error) {
	defer s.observe("transition", time.Now(), &err)

	var from Status
	_, err = s.repo.UpdateCase(ctx, tt, func(c *Case) error {
		from = c.Status
		if target == StatusArchived {
			return &Error{Kind: KindInvalidTransition, Token: tt, From: c.Status, To: target}
		}
		n, err := Apply(c.Status, target)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Token = tt
			}
			return err
		}
		if n == StatusAdmitted && c.AdmissionSCAIStage == "" {
			c.AdmissionSCAIStage = c.SCAIStage
		}
		c.Status = n
		c.UpdatedAt = s.now()
		c.Version++
		next = n
		return nil
	})
	if err != nil {
		return "", s.fail(tt, err)
	}

	s.logger.Info().
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("case transitioned")
	return next, nil
}

// SetOutcome records the outcome of a discharged case. It never changes
// status.
func (s *Service) SetOutcome(ctx context.Context, tt TrackingToken, outcome Outcome) (err error) {
	defer s.observe("set_outcome", time.Now(), &err)

	if !outcome.Status.Valid() {
		return invalidArgument("unknown outcome status %q", outcome.Status)
	}
	_, err = s.repo.UpdateCase(ctx, tt, func(c *Case) error {
		if c.Status != StatusDischarged {
			return &Error{Kind: KindInvalidState, Token: tt, From: c.Status}
		}
		now := s.now()
		c.Sections.Merge(outcome, now)
		c.UpdatedAt = now
		c.Version++
		return nil
	})
	if err != nil {
		return s.fail(tt, err)
	}
	return nil
}

// CloseAndArchive replaces a discharged case that has an outcome with an
// immutable archive record. After it returns successfully the tracking
// token resolves to nothing.
func (s *Service) CloseAndArchive(ctx context.Context, tt TrackingToken) (rid RegistryID, aid ArchiveID, err error) {
	defer s.observe("close_and_archive", time.Now(), &err)

	for attempt := 1; attempt <= MaxRegistryIDAttempts; attempt++ {
		candidate := s.ids.NewRegistryID()
		archiveID := s.ids.NewArchiveID()

		if _, err := s.repo.GetArchive(ctx, candidate); err == nil {
			s.collision(attempt)
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return "", "", &Error{Kind: KindPersistence, Token: tt, Err: err}
		}

		rec, err := s.repo.AtomicReplace(ctx, tt, func(c *Case) (*ArchiveRecord, error) {
			return s.buildArchive(c, candidate, archiveID)
		})
		if errors.Is(err, ErrDuplicate) {
			s.collision(attempt)
			continue
		}
		if err != nil {
			return "", "", s.fail(tt, err)
		}

		s.logger.Info().
			Str("registry_id", string(rec.RegistryID)).
			Str("archive_id", string(rec.ArchiveID)).
			Str("outcome_status", string(rec.OutcomeStatus)).
			Msg("case archived")
		s.publish(ctx, rec)
		return rec.RegistryID, rec.ArchiveID, nil
	}

	s.logger.Error().Int("attempts", MaxRegistryIDAttempts).Msg("registry id allocation exhausted")
	return "", "", &Error{Kind: KindCollisionExhausted, Token: tt}
}

func (s *Service) buildArchive(c *Case, rid RegistryID, aid ArchiveID) (*ArchiveRecord, error) {
	if c.Status != StatusDischarged {
		return nil, &Error{Kind: KindInvalidState, Token: c.TT, From: c.Status}
	}
	if c.Sections.Outcome == nil {
		return nil, &Error{Kind: KindMissingOutcome, Token: c.TT, From: c.Status}
	}

	sum, err := s.agg.Aggregate(c)
	if err != nil {
		return nil, err
	}
	return &ArchiveRecord{
		RegistryID:         rid,
		ArchiveID:          aid,
		ShockType:          c.ShockType,
		AgeDecade:          c.AgeDecade,
		Sex:                c.Sex,
		OutcomeStatus:      sum.OutcomeStatus,
		LengthOfStayDays:   sum.LengthOfStayDays,
		ICUDays:            sum.ICUDays,
		SCAIStageAdmission: sum.SCAIStageAdmission,
		SCAIStageWorst:     sum.SCAIStageWorst,
		AggregatedData:     sum.Data,
		ArchivedAt:         s.now(),
	}, nil
}

func (s *Service) collision(attempt int) {
	s.metrics.RegistryIDCollision()
	s.logger.Warn().Int("attempt", attempt).Msg("registry id collision, regenerating")
}

// publish runs after commit. A failure cannot undo the archival, so it is
// logged and counted instead of returned.
func (s *Service) publish(ctx context.Context, rec *ArchiveRecord) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	ev := ArchivedEvent{
		RegistryID:    rec.RegistryID,
		ShockType:     rec.ShockType,
		OutcomeStatus: rec.OutcomeStatus,
		ArchivedAt:    rec.ArchivedAt,
	}
	if err := s.notifier.NotifyArchived(ctx, ev); err != nil {
		s.metrics.ArchiveEventFailed()
		s.logger.Error().Err(err).Str("registry_id", string(rec.RegistryID)).Msg("publish archive event")
	}
}

// Discard handles a discharged case whose archival consent was refused.
// The case is erased without producing an archive record or Registry ID;
// afterwards the token behaves exactly like an archived one.
func (s *Service) Discard(ctx context.Context, tt TrackingToken) (err error) {
	defer s.observe("discard", time.Now(), &err)

	err = s.repo.DeleteCase(ctx, tt, func(c *Case) error {
		if c.Status != StatusDischarged {
			return &Error{Kind: KindInvalidState, Token: tt, From: c.Status}
		}
		return nil
	})
	if err != nil {
		return s.fail(tt, err)
	}
	s.logger.Info().Msg("case discarded without archival")
	return nil
}

// Lookup resolves an archive record by Registry ID. Anything that does not
// parse as a Registry ID, tracking tokens included, is NotFound.
func (s *Service) Lookup(ctx context.Context, raw string) (rec *ArchiveRecord, err error) {
	defer s.observe("lookup", time.Now(), &err)

	id, perr := ParseRegistryID(raw)
	if perr != nil {
		return nil, &Error{Kind: KindNotFound}
	}
	rec, err = s.repo.GetArchive(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Kind: KindNotFound}
	}
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Err: err}
	}
	return rec, nil
}

// ListCases pages the active cases, optionally filtered by status.
func (s *Service) ListCases(ctx context.Context, status Status, limit, offset int) ([]*CaseView, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, invalidArgument("unknown status %q", status)
	}
	cases, total, err := s.repo.ListCases(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, &Error{Kind: KindPersistence, Err: err}
	}
	views := make([]*CaseView, len(cases))
	for i, c := range cases {
		views[i] = newCaseView(c)
	}
	return views, total, nil
}

// fail converts repository errors into lifecycle errors carrying tt.
func (s *Service) fail(tt TrackingToken, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Token == "" && e.Kind == KindNotFound {
			return &Error{Kind: KindNotFound, Token: tt}
		}
		return err
	}
	return &Error{Kind: KindPersistence, Token: tt, Err: err}
}

func (s *Service) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		if k := KindOf(*err); k != "" {
			result = string(k)
		} else {
			result = "error"
		}
	}
	s.metrics.ObserveOperation(op, result, time.Since(start))
}

// CaseView is an active case as presented to the hospital front end. Its
// sections are limited to those visible in the case's current status.
type CaseView struct {
	*Case
	VisibleSections SectionSet  `json:"visibleSections"`
	DefaultSection  SectionName `json:"defaultSection"`
}

func newCaseView(c *Case) *CaseView {
	visible := VisibleSections(c.Status)
	view := *c
	view.Sections = c.Sections.Only(visible)
	return &CaseView{
		Case:            &view,
		VisibleSections: visible,
		DefaultSection:  DefaultSection(c.Status),
	}
}
