package anchor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"custodyline/internal/canon"
	"custodyline/internal/domain"
	"custodyline/internal/metrics"
	"custodyline/internal/store"
)

// Policy bounds gateway calls.
type Policy struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
		SubmitTimeout:  10 * time.Second,
		ConfirmTimeout: 10 * time.Second,
	}
}

// Backoff is the wait after the given failed attempt: base * 2^(attempt-1), capped.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxBackoff || delay <= 0 {
		return p.MaxBackoff
	}
	return delay
}

type DispatcherOptions struct {
	Policy  Policy
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Dispatcher submits fingerprints to a gateway off the caller's path.
type Dispatcher struct {
	store   Store
	gateway Gateway
	policy  Policy
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	// pending holds the newest record dispatched while its subject was in flight.
	pending map[string]domain.AnchorRecord
}

// errSuperseded stops a submission whose subject was dispatched again with a newer record.
var errSuperseded = errors.New("anchor: superseded by a newer dispatch")

func NewDispatcher(st Store, gw Gateway, opts DispatcherOptions) *Dispatcher {
	policy := opts.Policy
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.SubmitTimeout <= 0 {
		policy.SubmitTimeout = def.SubmitTimeout
	}
	if policy.ConfirmTimeout <= 0 {
		policy.ConfirmTimeout = def.ConfirmTimeout
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    st,
		gateway:  gw,
		policy:   policy,
		limiter:  limiter,
		logger:   logger.With("component", "anchor", "gateway", gw.Name()),
		metrics:  opts.Metrics,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]struct{}{},
		pending:  map[string]domain.AnchorRecord{},
	}
}

func (d *Dispatcher) Gateway() Gateway { return d.gateway }

func (d *Dispatcher) timestamp() string {
	return d.now().UTC().Format(canon.TimeLayout)
}

// Dispatch records subj as submitted and hands it to the gateway in the background.
// A subject already submitted or confirmed for the same fingerprint is returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, subj Subject) (domain.AnchorRecord, error) {
	existing, err := d.store.GetAnchor(ctx, subj.ID)
	switch {
	case err == nil:
		if existing.Fingerprint == subj.Fingerprint.Hex() &&
			existing.FingerprintVersion == string(subj.Fingerprint.Version) &&
			existing.Status != domain.AnchorUnanchored {
			return existing, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return domain.AnchorRecord{}, err
	}

	now := d.timestamp()
	rec := domain.AnchorRecord{
		SubjectID:          subj.ID,
		SubjectKind:        subj.Kind,
		Fingerprint:        subj.Fingerprint.Hex(),
		FingerprintVersion: string(subj.Fingerprint.Version),
		Gateway:            d.gateway.Name(),
		Status:             domain.AnchorSubmitted,
		SubmittedAt:        now,
		UpdatedAt:          now,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.SaveAnchor(ctx, rec); err != nil {
		return domain.AnchorRecord{}, err
	}
	switch _, busy := d.inflight[rec.SubjectID]; {
	case d.closed:
	case busy:
		d.pending[rec.SubjectID] = rec
	default:
		d.inflight[rec.SubjectID] = struct{}{}
		d.spawn(rec)
	}
	return rec, nil
}

// spawn submits rec in the background. d.mu must be held.
func (d *Dispatcher) spawn(rec domain.AnchorRecord) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.submit(d.ctx, rec); err != nil && !errors.Is(err, errSuperseded) {
			d.logger.Warn("anchor submission left pending", "subject", rec.SubjectID, "err", err)
		}
		d.release(rec.SubjectID)
	}()
}

// Wait blocks until every background submission has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close cancels background submissions and waits for them. Their records stay submitted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) claim(subjectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[subjectID]; busy {
		return false
	}
	d.inflight[subjectID] = struct{}{}
	return true
}

// release ends the in-flight slot for subjectID, or hands it to the record queued behind it.
func (d *Dispatcher) release(subjectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, ok := d.pending[subjectID]
	delete(d.pending, subjectID)
	if ok && !d.closed {
		d.spawn(next)
		return
	}
	delete(d.inflight, subjectID)
}

func (d *Dispatcher) superseded(subjectID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[subjectID]
	return ok
}

// save persists rec unless a newer record for its subject is queued.
func (d *Dispatcher) save(ctx context.Context, rec domain.AnchorRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[rec.SubjectID]; ok {
		return errSuperseded
	}
	return d.store.SaveAnchor(ctx, rec)
}

// submit runs up to MaxAttempts gateway submissions for rec. Persisting uses a context
// detached from ctx so a cancelled submission still leaves its record behind.
func (d *Dispatcher) submit(ctx context.Context, rec domain.AnchorRecord) (domain.AnchorRecord, error) {
	fp, err := Fingerprint(rec)
	if err != nil {
		return rec, err
	}
	persist := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if d.superseded(rec.SubjectID) {
			return rec, errSuperseded
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return rec, err
		}
		actx, cancel := context.WithTimeout(ctx, d.policy.SubmitTimeout)
		res, err := d.gateway.Submit(actx, rec.SubjectID, fp)
		cancel()

		rec.Attempts++
		now := d.timestamp()
		rec.UpdatedAt = now
		att := domain.AnchorAttempt{
			ID:        uuid.NewString(),
			SubjectID: rec.SubjectID,
			Operation: "submit",
			Attempt:   rec.Attempts,
			At:        now,
		}
		switch {
		case err != nil:
			att.Outcome = "error"
			att.Error = err.Error()
		case !res.Accepted:
			att.Outcome = "rejected"
		default:
			att.Outcome = "accepted"
			att.ExternalRef = res.ExternalRef
		}
		d.journal(persist, att)
		d.metrics.AnchorSubmitted(d.gateway.Name(), att.Outcome)

		if err == nil && !res.Accepted {
			if terr := transition(&rec, domain.AnchorUnanchored); terr != nil {
				return rec, terr
			}
			rec.LastError = "submission rejected by gateway"
			rec.Simulated = res.Simulated
			d.logger.Info("anchor submission rejected", "subject", rec.SubjectID)
			return rec, d.save(persist, rec)
		}
		if err == nil {
			rec.ExternalRef = res.ExternalRef
			rec.BlockNumber = res.BlockNumber
			rec.Simulated = res.Simulated
			rec.LastError = ""
			if serr := d.save(persist, rec); serr != nil {
				return rec, serr
			}
			return d.confirm(ctx, rec)
		}

		lastErr = err
		rec.LastError = err.Error()
		if serr := d.save(persist, rec); serr != nil {
			return rec, serr
		}
		if attempt == d.policy.MaxAttempts {
			break
		}
		wait := d.policy.Backoff(attempt)
		d.logger.Warn("anchor submission failed, retrying", "subject", rec.SubjectID, "attempt", rec.Attempts, "backoff", wait, "err", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return rec, ctx.Err()
		}
	}
	d.logger.Warn("anchor submission attempts exhausted", "subject", rec.SubjectID, "attempts", rec.Attempts)
	return rec, lastErr
}

// confirm asks the gateway whether rec's reference is confirmed. Gateway failures are
// recorded as unconfirmed and are not returned as errors.
func (d *Dispatcher) confirm(ctx context.Context, rec domain.AnchorRecord) (domain.AnchorRecord, error) {
	persist := context.WithoutCancel(ctx)
	actx, cancel := context.WithTimeout(ctx, d.policy.ConfirmTimeout)
	c, err := d.gateway.CheckConfirmation(actx, rec.ExternalRef)
	cancel()

	now := d.timestamp()
	rec.CheckedAt = &now
	rec.UpdatedAt = now
	att := domain.AnchorAttempt{
		ID:          uuid.NewString(),
		SubjectID:   rec.SubjectID,
		Operation:   "confirm",
		ExternalRef: rec.ExternalRef,
		At:          now,
	}
	to := domain.AnchorUnconfirmed
	switch {
	case err != nil:
		att.Outcome = "error"
		att.Error = err.Error()
		rec.LastError = err.Error()
	case c.Confirmed:
		att.Outcome = "confirmed"
		to = domain.AnchorConfirmed
		if rec.ConfirmedAt == nil {
			rec.ConfirmedAt = &now
		}
		if c.BlockNumber != nil {
			rec.BlockNumber = c.BlockNumber
		}
		rec.LastError = ""
	default:
		att.Outcome = "unconfirmed"
	}
	if to == domain.AnchorUnconfirmed {
		rec.ConfirmedAt = nil
	}
	d.journal(persist, att)
	d.metrics.AnchorChecked(d.gateway.Name(), att.Outcome)
	if err := transition(&rec, to); err != nil {
		return rec, err
	}
	return rec, d.save(persist, rec)
}

// Confirm re-checks the stored anchor for subjectID.
func (d *Dispatcher) Confirm(ctx context.Context, subjectID string) (domain.AnchorRecord, error) {
	rec, err := d.store.GetAnchor(ctx, subjectID)
	if err != nil {
		return rec, err
	}
	if rec.ExternalRef == "" {
		return rec, nil
	}
	return d.confirm(ctx, rec)
}

func (d *Dispatcher) journal(ctx context.Context, att domain.AnchorAttempt) {
	if err := d.store.AppendAnchorAttempt(ctx, att); err != nil {
		d.logger.Error("journal anchor attempt", "subject", att.SubjectID, "err", err)
	}
}
