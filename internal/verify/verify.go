// Package verify recomputes stored fingerprints and cross-checks anchors. It never writes.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"custodyline/internal/anchor"
	"custodyline/internal/canon"
	"custodyline/internal/custody"
	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
	"custodyline/internal/metrics"
	"custodyline/internal/store"
)

// Result codes on failed event checks.
const (
	CodeFingerprintMismatch = "fingerprint_mismatch"
	CodeMissingEvent        = "missing_event"
	CodeSequenceMismatch    = "sequence_mismatch"
	CodeUnlistedEvent       = "unlisted_event"
	CodeUnknownVersion      = "unknown_version"
	CodeEncodingError       = "encoding_error"
)

// Reader is the part of the store the verifier reads from.
type Reader interface {
	Snapshot(ctx context.Context, batchID string) (store.Snapshot, error)
	ListBatches(ctx context.Context) ([]domain.Batch, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
}

type EventResult struct {
	EventID             string           `json:"event_id"`
	Type                domain.EventType `json:"type,omitempty"`
	Sequence            int64            `json:"sequence"`
	Timestamp           string           `json:"timestamp,omitempty"`
	HashMatch           bool             `json:"hash_match"`
	// SequenceValid is false when Sequence disagrees with the event's position on the batch.
	SequenceValid       bool             `json:"sequence_valid"`
	StoredFingerprint   string           `json:"stored_fingerprint"`
	ComputedFingerprint string           `json:"computed_fingerprint,omitempty"`
	FingerprintVersion  string           `json:"fingerprint_version"`
	Code                string           `json:"code,omitempty"`
	Detail              string           `json:"detail,omitempty"`
}

// AnchorResult is a corroboration signal. It never affects OverallValid.
type AnchorResult struct {
	SubjectID   string              `json:"subject_id"`
	SubjectKind string              `json:"subject_kind"`
	Status      domain.AnchorStatus `json:"status"`
	ExternalRef string              `json:"external_ref,omitempty"`
	Simulated   bool                `json:"simulated"`
	// FingerprintMatch is false when the anchored fingerprint is not the one stored now.
	FingerprintMatch bool    `json:"fingerprint_match"`
	Checked          bool    `json:"checked"`
	Confirmed        bool    `json:"confirmed"`
	BlockNumber      *uint64 `json:"block_number,omitempty"`
	Cached           bool    `json:"cached,omitempty"`
	Error            string  `json:"error,omitempty"`
}

type BatchReport struct {
	BatchID                  string         `json:"batch_id"`
	OverallValid             bool           `json:"overall_valid"`
	BatchFingerprintValid    bool           `json:"batch_fingerprint_valid"`
	StoredBatchFingerprint   string         `json:"stored_batch_fingerprint,omitempty"`
	ComputedBatchFingerprint string         `json:"computed_batch_fingerprint,omitempty"`
	FingerprintVersion       string         `json:"fingerprint_version,omitempty"`
	BatchDetail              string         `json:"batch_detail,omitempty"`
	EventCount               int            `json:"event_count"`
	Events                   []EventResult  `json:"events"`
	Anchors                  []AnchorResult `json:"anchors"`
	VerifiedAt               string         `json:"verified_at"`
}

// Valid reports whether the event passed every check.
func (r EventResult) Valid() bool { return r.HashMatch && r.SequenceValid }

// Mismatches counts failed event checks.
func (r BatchReport) Mismatches() int {
	n := 0
	for _, ev := range r.Events {
		if !ev.Valid() {
			n++
		}
	}
	return n
}

type DocumentReport struct {
	DocumentID          string `json:"document_id"`
	Match               bool   `json:"match"`
	StoredFingerprint   string `json:"stored_fingerprint"`
	ComputedFingerprint string `json:"computed_fingerprint"`
	FingerprintVersion  string `json:"fingerprint_version"`
}

type Options struct {
	// Gateway checks anchor confirmations. Without one anchors are reported as stored.
	Gateway        anchor.Gateway
	Parallelism    int
	ConfirmTimeout time.Duration
	CacheSize      int
	CacheTTL       time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

type Verifier struct {
	store   Reader
	gateway anchor.Gateway
	limit   int
	timeout time.Duration
	cache   *expirable.LRU[string, anchor.Confirmation]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(st Reader, opts Options) *Verifier {
	v := &Verifier{
		store:   st,
		gateway: opts.Gateway,
		limit:   opts.Parallelism,
		timeout: opts.ConfirmTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if v.limit <= 0 {
		v.limit = runtime.GOMAXPROCS(0)
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.now == nil {
		v.now = time.Now
	}
	if opts.CacheSize > 0 {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		v.cache = expirable.NewLRU[string, anchor.Confirmation](opts.CacheSize, nil, ttl)
	}
	return v
}

func suiteFor(version string) (fingerprint.Suite, error) {
	if version == "" {
		return fingerprint.MustLookup(fingerprint.Default), nil
	}
	return fingerprint.Lookup(fingerprint.Version(version))
}

// VerifyBatch checks one consistent snapshot of a batch. Content mismatches are part
// of the report; the error is reserved for a missing batch or a failed read.
func (v *Verifier) VerifyBatch(ctx context.Context, batchID string) (BatchReport, error) {
	start := time.Now()
	snap, err := v.store.Snapshot(ctx, batchID)
	if err != nil {
		return BatchReport{}, err
	}
	b := snap.Batch
	report := BatchReport{
		BatchID:                batchID,
		StoredBatchFingerprint: b.Fingerprint,
		FingerprintVersion:     b.FingerprintVersion,
		VerifiedAt:             v.now().UTC().Format(canon.TimeLayout),
	}
	report.BatchFingerprintValid, report.ComputedBatchFingerprint, report.BatchDetail = checkBatch(b)

	report.Events = make([]EventResult, len(snap.Events))
	var g errgroup.Group
	g.SetLimit(v.limit)
	for i, ev := range snap.Events {
		g.Go(func() error {
			report.Events[i] = checkEvent(ev)
			return nil
		})
	}
	_ = g.Wait()
	checkSequence(b, report.Events)

	stored := make(map[string]bool, len(snap.Events))
	for _, ev := range snap.Events {
		stored[ev.ID] = true
	}
	for _, id := range b.EventIDs {
		if !stored[id] {
			report.Events = append(report.Events, EventResult{
				EventID: id,
				Code:    CodeMissingEvent,
				Detail:  "event listed on batch but not stored",
			})
		}
	}
	report.EventCount = len(report.Events)

	report.OverallValid = report.BatchFingerprintValid
	for _, res := range report.Events {
		if !res.Valid() {
			report.OverallValid = false
			v.logger.Warn("event failed verification", "batch", batchID, "event", res.EventID, "code", res.Code)
		}
	}
	if !report.BatchFingerprintValid {
		v.logger.Warn("batch fingerprint mismatch", "batch", batchID, "detail", report.BatchDetail)
	}

	report.Anchors = v.checkAnchors(ctx, snap)
	v.metrics.Verified(report.OverallValid, report.Mismatches(), time.Since(start))
	return report, nil
}

func checkBatch(b domain.Batch) (valid bool, computed, detail string) {
	if b.Fingerprint == "" {
		return true, "", "no stored fingerprint"
	}
	suite, err := suiteFor(b.FingerprintVersion)
	if err != nil {
		return false, "", err.Error()
	}
	fp, err := custody.FingerprintBatch(suite, b)
	if err != nil {
		return false, "", err.Error()
	}
	if !fp.Matches(b.Fingerprint) {
		return false, fp.Hex(), CodeFingerprintMismatch
	}
	return true, fp.Hex(), ""
}

func checkEvent(ev domain.Event) EventResult {
	res := EventResult{
		EventID:            ev.ID,
		Type:               ev.Type,
		Sequence:           ev.Sequence,
		Timestamp:          ev.Timestamp,
		StoredFingerprint:  ev.Fingerprint,
		FingerprintVersion: ev.FingerprintVersion,
	}
	suite, err := suiteFor(ev.FingerprintVersion)
	if err != nil {
		res.Code, res.Detail = CodeUnknownVersion, err.Error()
		return res
	}
	fp, err := custody.FingerprintEvent(suite, ev)
	if err != nil {
		res.Code, res.Detail = CodeEncodingError, err.Error()
		return res
	}
	res.ComputedFingerprint = fp.Hex()
	res.HashMatch = fp.Matches(ev.Fingerprint)
	if !res.HashMatch {
		res.Code = CodeFingerprintMismatch
	}
	return res
}

// checkSequence holds each event's Sequence to its 1-based position in b.EventIDs.
// Sequence is not part of the fingerprinted payload.
func checkSequence(b domain.Batch, results []EventResult) {
	pos := make(map[string]int64, len(b.EventIDs))
	for i, id := range b.EventIDs {
		pos[id] = int64(i) + 1
	}
	for i := range results {
		res := &results[i]
		want, ok := pos[res.EventID]
		switch {
		case !ok:
			if res.Code == "" {
				res.Code, res.Detail = CodeUnlistedEvent, "event stored for batch but not listed on it"
			}
		case want != res.Sequence:
			if res.Code == "" {
				res.Code, res.Detail = CodeSequenceMismatch, fmt.Sprintf("sequence %d, listed at position %d", res.Sequence, want)
			}
		default:
			res.SequenceValid = true
		}
	}
}

type anchorCheck struct {
	kind        string
	fingerprint string
	rec         domain.AnchorRecord
}

func (v *Verifier) checkAnchors(ctx context.Context, snap store.Snapshot) []AnchorResult {
	var checks []anchorCheck
	if snap.Batch.Anchor != nil {
		checks = append(checks, anchorCheck{domain.SubjectBatch, snap.Batch.Fingerprint, *snap.Batch.Anchor})
	}
	for _, ev := range snap.Events {
		if ev.Anchor != nil {
			checks = append(checks, anchorCheck{domain.SubjectEvent, ev.Fingerprint, *ev.Anchor})
		}
	}
	results := make([]AnchorResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.limit)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = v.checkAnchor(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (v *Verifier) checkAnchor(ctx context.Context, c anchorCheck) AnchorResult {
	res := AnchorResult{
		SubjectID:        c.rec.SubjectID,
		SubjectKind:      c.kind,
		Status:           c.rec.Status,
		ExternalRef:      c.rec.ExternalRef,
		Simulated:        c.rec.Simulated,
		FingerprintMatch: c.rec.Fingerprint == c.fingerprint,
		BlockNumber:      c.rec.BlockNumber,
	}
	if c.rec.ExternalRef == "" || v.gateway == nil {
		res.Confirmed = c.rec.Status == domain.AnchorConfirmed
		return res
	}
	if c.rec.Gateway != "" && c.rec.Gateway != v.gateway.Name() {
		res.Error = fmt.Sprintf("anchored through %s, verifier uses %s", c.rec.Gateway, v.gateway.Name())
		return res
	}
	key := v.gateway.Name() + "|" + c.rec.ExternalRef
	if v.cache != nil {
		if conf, ok := v.cache.Get(key); ok {
			res.Checked, res.Cached, res.Confirmed = true, true, conf.Confirmed
			if conf.BlockNumber != nil {
				res.BlockNumber = conf.BlockNumber
			}
			return res
		}
	}
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	conf, err := v.gateway.CheckConfirmation(cctx, c.rec.ExternalRef)
	res.Checked = true
	outcome := "unconfirmed"
	switch {
	case err != nil:
		outcome = "error"
		res.Error = err.Error()
	case conf.Confirmed:
		outcome = "confirmed"
		res.Confirmed = true
		if conf.BlockNumber != nil {
			res.BlockNumber = conf.BlockNumber
		}
		if v.cache != nil {
			v.cache.Add(key, conf)
		}
	}
	v.metrics.AnchorChecked(v.gateway.Name(), outcome)
	return res
}

// VerifyDocument compares content against the document's stored fingerprint using the
// stored version's suite.
func (v *Verifier) VerifyDocument(ctx context.Context, id string, content []byte) (DocumentReport, error) {
	doc, err := v.store.GetDocument(ctx, id)
	if err != nil {
		return DocumentReport{}, err
	}
	suite, err := suiteFor(doc.FingerprintVersion)
	if err != nil {
		return DocumentReport{}, err
	}
	fp := suite.FingerprintBytes(content)
	return DocumentReport{
		DocumentID:          doc.ID,
		Match:               fp.Matches(doc.Fingerprint),
		StoredFingerprint:   doc.Fingerprint,
		ComputedFingerprint: fp.Hex(),
		FingerprintVersion:  string(suite.Version),
	}, nil
}

// VerifyAll verifies every stored batch with bounded parallelism, in list order.
func (v *Verifier) VerifyAll(ctx context.Context) ([]BatchReport, error) {
	batches, err := v.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]BatchReport, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.limit)
	for i, b := range batches {
		g.Go(func() error {
			r, err := v.VerifyBatch(gctx, b.ID)
			if err != nil {
				return fmt.Errorf("verify batch %s: %w", b.ID, err)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
