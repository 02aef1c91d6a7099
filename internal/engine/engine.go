package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custodyline/internal/anchor"
	"custodyline/internal/canon"
	"custodyline/internal/custody"
	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
	"custodyline/internal/lock"
	"custodyline/internal/metrics"
	"custodyline/internal/store"
	"custodyline/internal/verify"
)

// ErrAnchoringDisabled is returned by anchor operations when no gateway is configured.
var ErrAnchoringDisabled = errors.New("anchoring disabled")

type Engine struct {
	Store      store.Store
	Locker     lock.Locker
	Dispatcher *anchor.Dispatcher
	Verifier   *verify.Verifier
	Version    fingerprint.Version
	// AutoAnchor dispatches every new event fingerprint to the gateway.
	AutoAnchor bool
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	NewID      func() string
}

func New(st store.Store) Engine {
	return Engine{
		Store:    st,
		Locker:   lock.NewLocal(),
		Verifier: verify.New(st, verify.Options{}),
		Version:  fingerprint.Default,
		Logger:   slog.Default(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(canon.TimeLayout)
}

func (e Engine) newID(given string) string {
	if given != "" {
		return given
	}
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) suite() (fingerprint.Suite, error) {
	v := e.Version
	if v == "" {
		v = fingerprint.Default
	}
	return fingerprint.Lookup(v)
}

func (e Engine) verifier() *verify.Verifier {
	if e.Verifier != nil {
		return e.Verifier
	}
	return verify.New(e.Store, verify.Options{Logger: e.Logger, Metrics: e.Metrics})
}

// occurredAt normalizes an RFC 3339 time to the stored layout, defaulting to now.
func (e Engine) occurredAt(raw string) (string, error) {
	if raw == "" {
		return e.timestamp(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", invalid("occurred_at %q is not an RFC 3339 time", raw)
	}
	return t.UTC().Format(canon.TimeLayout), nil
}

// ComputeFingerprint fingerprints an arbitrary record with the configured version.
func (e Engine) ComputeFingerprint(record any) (fingerprint.Fingerprint, error) {
	s, err := e.suite()
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return s.Fingerprint(record)
}

// Canonical returns the bytes ComputeFingerprint digests.
func (e Engine) Canonical(record any) ([]byte, error) {
	s, err := e.suite()
	if err != nil {
		return nil, err
	}
	return s.Canonical(record)
}

// FingerprintBytes digests raw content, such as a document, with the configured version.
func (e Engine) FingerprintBytes(raw []byte) (fingerprint.Fingerprint, error) {
	s, err := e.suite()
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return s.FingerprintBytes(raw), nil
}

func (e Engine) CreateParty(ctx context.Context, opts PartyCreateOptions) (domain.Party, error) {
	if err := check(opts); err != nil {
		return domain.Party{}, err
	}
	now := e.timestamp()
	p := domain.Party{
		ID:        e.newID(opts.ID),
		Name:      opts.Name,
		Type:      opts.Type,
		Country:   opts.Country,
		Contact:   opts.Contact,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.CreateParty(ctx, p); err != nil {
		return domain.Party{}, fmt.Errorf("create party: %w", err)
	}
	return p, nil
}

func (e Engine) GetParty(ctx context.Context, id string) (domain.Party, error) {
	return e.Store.GetParty(ctx, id)
}

func (e Engine) ListParties(ctx context.Context) ([]domain.Party, error) {
	return e.Store.ListParties(ctx)
}

// UpdatePartyContact replaces the party's contact. All-empty input clears it.
func (e Engine) UpdatePartyContact(ctx context.Context, id string, opts ContactUpdateOptions) (domain.Party, error) {
	if err := check(opts); err != nil {
		return domain.Party{}, err
	}
	var contact *domain.Contact
	if opts != (ContactUpdateOptions{}) {
		contact = &domain.Contact{Name: opts.Name, Email: opts.Email, Phone: opts.Phone}
	}
	return e.Store.UpdatePartyContact(ctx, id, contact, e.timestamp())
}

func (e Engine) CreateFacility(ctx context.Context, opts FacilityCreateOptions) (domain.Facility, error) {
	if err := check(opts); err != nil {
		return domain.Facility{}, err
	}
	if (opts.Latitude == nil) != (opts.Longitude == nil) {
		return domain.Facility{}, invalid("latitude and longitude must be given together")
	}
	if _, err := e.Store.GetParty(ctx, opts.OwnerPartyID); err != nil {
		return domain.Facility{}, fmt.Errorf("facility owner: %w", err)
	}
	f := domain.Facility{
		ID:           e.newID(opts.ID),
		Name:         opts.Name,
		Type:         opts.Type,
		OwnerPartyID: opts.OwnerPartyID,
		Location:     domain.Location{Country: opts.Country, Region: opts.Region},
		CreatedAt:    e.timestamp(),
	}
	if opts.Latitude != nil {
		f.Location.Coordinates = &domain.Coordinates{Latitude: *opts.Latitude, Longitude: *opts.Longitude}
	}
	if err := e.Store.CreateFacility(ctx, f); err != nil {
		return domain.Facility{}, fmt.Errorf("create facility: %w", err)
	}
	return f, nil
}

func (e Engine) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	return e.Store.GetFacility(ctx, id)
}

func (e Engine) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	return e.Store.ListFacilities(ctx)
}

// RegisterDocument stores document metadata with the fingerprint of its content.
// Only the fingerprint is kept, never the content.
func (e Engine) RegisterDocument(ctx context.Context, opts DocumentRegisterOptions) (domain.Document, error) {
	if err := check(opts); err != nil {
		return domain.Document{}, err
	}
	var fp fingerprint.Fingerprint
	switch {
	case len(opts.Content) > 0 && opts.Fingerprint != "":
		return domain.Document{}, invalid("give either content or fingerprint, not both")
	case len(opts.Content) > 0:
		var err error
		if fp, err = e.FingerprintBytes(opts.Content); err != nil {
			return domain.Document{}, err
		}
	case opts.Fingerprint != "":
		version := fingerprint.Version(opts.FingerprintVersion)
		if version == "" {
			version = e.Version
		}
		var err error
		if fp, err = fingerprint.Parse(version, opts.Fingerprint); err != nil {
			return domain.Document{}, invalid("fingerprint: %v", err)
		}
	default:
		return domain.Document{}, invalid("content or fingerprint is required")
	}
	if opts.IssuerPartyID != "" {
		if _, err := e.Store.GetParty(ctx, opts.IssuerPartyID); err != nil {
			return domain.Document{}, fmt.Errorf("document issuer: %w", err)
		}
	}
	if opts.BatchID != "" {
		if _, err := e.Store.LoadBatch(ctx, opts.BatchID); err != nil {
			return domain.Document{}, fmt.Errorf("document batch: %w", err)
		}
	}
	if opts.EventID != "" {
		if _, err := e.Store.GetEvent(ctx, opts.EventID); err != nil {
			return domain.Document{}, fmt.Errorf("document event: %w", err)
		}
	}
	confidentiality := opts.Confidentiality
	if confidentiality == "" {
		confidentiality = "internal"
	}
	d := domain.Document{
		ID:                 e.newID(opts.ID),
		Type:               opts.Type,
		FileName:           opts.FileName,
		Confidentiality:    confidentiality,
		Fingerprint:        fp.Hex(),
		FingerprintVersion: string(fp.Version),
		IssuerPartyID:      optional(opts.IssuerPartyID),
		BatchID:            optional(opts.BatchID),
		EventID:            optional(opts.EventID),
		CreatedAt:          e.timestamp(),
	}
	if err := e.Store.CreateDocument(ctx, d); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	return d, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return e.Store.GetDocument(ctx, id)
}

func (e Engine) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return e.Store.ListDocuments(ctx)
}

func (e Engine) VerifyDocument(ctx context.Context, id string, content []byte) (verify.DocumentReport, error) {
	return e.verifier().VerifyDocument(ctx, id, content)
}

func (e Engine) requireDocuments(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := e.Store.GetDocument(ctx, id); err != nil {
			return fmt.Errorf("document %s: %w", id, err)
		}
	}
	return nil
}

// CreateBatch stores a new batch together with its sealed Create event.
func (e Engine) CreateBatch(ctx context.Context, opts BatchCreateOptions) (domain.Batch, error) {
	if err := check(opts); err != nil {
		return domain.Batch{}, err
	}
	suite, err := e.suite()
	if err != nil {
		return domain.Batch{}, err
	}
	at, err := e.occurredAt(opts.OccurredAt)
	if err != nil {
		return domain.Batch{}, err
	}
	if _, err := e.Store.GetFacility(ctx, opts.OriginFacilityID); err != nil {
		return domain.Batch{}, fmt.Errorf("origin facility: %w", err)
	}
	if _, err := e.Store.GetParty(ctx, opts.OwnerPartyID); err != nil {
		return domain.Batch{}, fmt.Errorf("owner party: %w", err)
	}
	if err := e.requireDocuments(ctx, opts.DocumentIDs); err != nil {
		return domain.Batch{}, err
	}

	q := opts.Quantity.quantity()
	b := domain.Batch{
		ID:                e.newID(opts.ID),
		ExternalReference: opts.ExternalReference,
		CommodityType:     opts.CommodityType,
		OriginFacilityID:  opts.OriginFacilityID,
		OwnerPartyID:      opts.OwnerPartyID,
		Quantity:          q,
		DeclaredAssay:     opts.DeclaredAssay.assay(),
		CreatedAt:         at,
		UpdatedAt:         e.timestamp(),
	}
	ev := domain.Event{
		ID:           e.newID(""),
		Type:         domain.EventCreate,
		Timestamp:    at,
		Sequence:     1,
		BatchID:      b.ID,
		ToPartyID:    optional(opts.OwnerPartyID),
		ToFacilityID: optional(opts.OriginFacilityID),
		Quantity:     &q,
		DocumentIDs:  opts.DocumentIDs,
	}
	b, err = custody.Apply(b, ev, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	if ev, err = custody.Seal(suite, ev); err != nil {
		return domain.Batch{}, err
	}
	if b, err = custody.SealBatch(suite, b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Store.CreateBatch(ctx, b, ev); err != nil {
		return domain.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	e.Metrics.EventAppended(string(ev.Type))
	e.logger().Info("batch created", "batch", b.ID, "reference", b.ExternalReference, "fingerprint", b.Fingerprint)
	if e.AutoAnchor {
		e.anchorEvent(ctx, ev)
	}
	return b, nil
}

func (e Engine) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return e.Store.LoadBatch(ctx, id)
}

func (e Engine) GetBatchByReference(ctx context.Context, ref string) (domain.Batch, error) {
	return e.Store.LoadBatchByReference(ctx, ref)
}

func (e Engine) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	return e.Store.ListBatches(ctx)
}

func (e Engine) ListEvents(ctx context.Context, batchID string) ([]domain.Event, error) {
	return e.Store.LoadEventsForBatch(ctx, batchID)
}

func (e Engine) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	return e.Store.GetEvent(ctx, id)
}

func batchKey(id string) string { return "batch:" + id }

// withBatch runs fn while holding the batch's lease.
func (e Engine) withBatch(ctx context.Context, id string, fn func() error) error {
	locker := e.Locker
	if locker == nil {
		return fn()
	}
	lease, err := locker.Acquire(ctx, batchKey(id))
	if err != nil {
		return fmt.Errorf("lock batch %s: %w", id, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger().Warn("release batch lock", "batch", id, "err", err)
		}
	}()
	return fn()
}

// AppendEvent validates, sequences, seals and stores one event, then reseals the batch.
// Anchoring, when enabled, starts after the batch lock is released.
func (e Engine) AppendEvent(ctx context.Context, opts EventAppendOptions) (domain.Event, error) {
	if err := check(opts); err != nil {
		return domain.Event{}, err
	}
	suite, err := e.suite()
	if err != nil {
		return domain.Event{}, err
	}
	at, err := e.occurredAt(opts.OccurredAt)
	if err != nil {
		return domain.Event{}, err
	}
	if err := e.requireReferences(ctx, opts); err != nil {
		return domain.Event{}, err
	}

	var ev domain.Event
	err = e.withBatch(ctx, opts.BatchID, func() error {
		b, err := e.Store.LoadBatch(ctx, opts.BatchID)
		if err != nil {
			return err
		}
		if err := e.checkOrder(ctx, b, at); err != nil {
			return err
		}
		ev = domain.Event{
			ID:             e.newID(""),
			Type:           domain.EventType(opts.Type),
			Timestamp:      at,
			Sequence:       int64(len(b.EventIDs)) + 1,
			BatchID:        b.ID,
			FromPartyID:    optional(opts.FromPartyID),
			ToPartyID:      optional(opts.ToPartyID),
			FromFacilityID: optional(opts.FromFacilityID),
			ToFacilityID:   optional(opts.ToFacilityID),
			DocumentIDs:    opts.DocumentIDs,
		}
		if opts.Quantity != nil {
			q := opts.Quantity.quantity()
			ev.Quantity = &q
		}
		if ev.Type == domain.EventShip && ev.FromPartyID == nil {
			ev.FromPartyID = optional(b.OwnerPartyID)
		}

		next, err := custody.Apply(b, ev, opts.Assay.assay())
		if err != nil {
			if errors.Is(err, custody.ErrInvalidTransition) {
				e.Metrics.TransitionRejected(opts.Type, string(b.Status))
				e.logger().Info("transition rejected", "batch", b.ID, "status", b.Status, "event", opts.Type)
				return err
			}
			return invalid("%v", err)
		}
		if ev, err = custody.Seal(suite, ev); err != nil {
			return err
		}
		next.UpdatedAt = e.timestamp()
		if next, err = custody.SealBatch(suite, next); err != nil {
			return err
		}
		if err := e.Store.AppendEvent(ctx, ev, next); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	e.Metrics.EventAppended(string(ev.Type))
	e.logger().Debug("event appended", "batch", ev.BatchID, "event", ev.ID, "type", ev.Type, "sequence", ev.Sequence)
	if e.AutoAnchor {
		ev.Anchor = e.anchorEvent(ctx, ev)
	}
	return ev, nil
}

func (e Engine) requireReferences(ctx context.Context, opts EventAppendOptions) error {
	for _, id := range []string{opts.FromPartyID, opts.ToPartyID} {
		if id == "" {
			continue
		}
		if _, err := e.Store.GetParty(ctx, id); err != nil {
			return fmt.Errorf("party %s: %w", id, err)
		}
	}
	for _, id := range []string{opts.FromFacilityID, opts.ToFacilityID} {
		if id == "" {
			continue
		}
		if _, err := e.Store.GetFacility(ctx, id); err != nil {
			return fmt.Errorf("facility %s: %w", id, err)
		}
	}
	return e.requireDocuments(ctx, opts.DocumentIDs)
}

// checkOrder rejects a timestamp earlier than the batch's latest event.
func (e Engine) checkOrder(ctx context.Context, b domain.Batch, at string) error {
	if len(b.EventIDs) == 0 {
		return nil
	}
	last, err := e.Store.GetEvent(ctx, b.EventIDs[len(b.EventIDs)-1])
	if err != nil {
		return fmt.Errorf("latest event of batch %s: %w", b.ID, err)
	}
	if at < last.Timestamp {
		return invalid("occurred_at %s precedes the latest event at %s", at, last.Timestamp)
	}
	return nil
}

// CloseBatch moves a Created or Received batch to Closed.
func (e Engine) CloseBatch(ctx context.Context, id string) (domain.Batch, error) {
	var out domain.Batch
	err := e.withBatch(ctx, id, func() error {
		b, err := e.Store.LoadBatch(ctx, id)
		if err != nil {
			return err
		}
		closed, err := custody.Close(b)
		if err != nil {
			e.Metrics.TransitionRejected("Close", string(b.Status))
			return err
		}
		closed.UpdatedAt = e.timestamp()
		if err := e.Store.UpdateBatch(ctx, closed); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
		out = closed
		return nil
	})
	return out, err
}

// AnchorBatch dispatches the batch's current stored fingerprint.
func (e Engine) AnchorBatch(ctx context.Context, id string) (domain.AnchorRecord, error) {
	if e.Dispatcher == nil {
		return domain.AnchorRecord{}, ErrAnchoringDisabled
	}
	b, err := e.Store.LoadBatch(ctx, id)
	if err != nil {
		return domain.AnchorRecord{}, err
	}
	fp, err := fingerprint.Parse(fingerprint.Version(b.FingerprintVersion), b.Fingerprint)
	if err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("batch %s fingerprint: %w", id, err)
	}
	return e.Dispatcher.Dispatch(ctx, anchor.Subject{Kind: domain.SubjectBatch, ID: b.ID, Fingerprint: fp})
}

// AnchorEvent dispatches a stored event's fingerprint.
func (e Engine) AnchorEvent(ctx context.Context, id string) (domain.AnchorRecord, error) {
	if e.Dispatcher == nil {
		return domain.AnchorRecord{}, ErrAnchoringDisabled
	}
	ev, err := e.Store.GetEvent(ctx, id)
	if err != nil {
		return domain.AnchorRecord{}, err
	}
	fp, err := fingerprint.Parse(fingerprint.Version(ev.FingerprintVersion), ev.Fingerprint)
	if err != nil {
		return domain.AnchorRecord{}, fmt.Errorf("event %s fingerprint: %w", id, err)
	}
	return e.Dispatcher.Dispatch(ctx, anchor.Subject{Kind: domain.SubjectEvent, ID: ev.ID, Fingerprint: fp})
}

// anchorEvent is best effort: a failed dispatch never undoes the append.
func (e Engine) anchorEvent(ctx context.Context, ev domain.Event) *domain.AnchorRecord {
	if e.Dispatcher == nil {
		return nil
	}
	fp, err := fingerprint.Parse(fingerprint.Version(ev.FingerprintVersion), ev.Fingerprint)
	if err == nil {
		var rec domain.AnchorRecord
		rec, err = e.Dispatcher.Dispatch(ctx, anchor.Subject{Kind: domain.SubjectEvent, ID: ev.ID, Fingerprint: fp})
		if err == nil {
			return &rec
		}
	}
	e.logger().Warn("anchor dispatch failed", "event", ev.ID, "err", err)
	return nil
}

func (e Engine) VerifyBatch(ctx context.Context, id string) (verify.BatchReport, error) {
	return e.verifier().VerifyBatch(ctx, id)
}

func (e Engine) VerifyAll(ctx context.Context) ([]verify.BatchReport, error) {
	return e.verifier().VerifyAll(ctx)
}

func (e Engine) Reconcile(ctx context.Context) (anchor.ReconcileReport, error) {
	if e.Dispatcher == nil {
		return anchor.ReconcileReport{}, ErrAnchoringDisabled
	}
	return e.Dispatcher.Reconcile(ctx)
}

func (e Engine) AnchorAttempts(ctx context.Context, subjectID string) ([]domain.AnchorAttempt, error) {
	return e.Store.ListAnchorAttempts(ctx, subjectID)
}

func (e Engine) GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error) {
	return e.Store.GetAnchor(ctx, subjectID)
}
