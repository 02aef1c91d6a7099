// Package anchor tracks the hand-off of fingerprints to an external ledger.
//
// A Gateway submits a fingerprint and later reports whether the external reference is
// confirmed. The Dispatcher persists every record as submitted before any gateway call,
// so a cancelled or failed submission never loses the record.
package anchor

import (
	"context"
	"errors"
	"fmt"

	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
)

var (
	// ErrUnavailable wraps gateway timeouts and transport failures.
	ErrUnavailable = errors.New("anchor gateway unavailable")
	// ErrIllegalStatus is returned for an anchor status move the model does not allow.
	ErrIllegalStatus = errors.New("illegal anchor status transition")
)

type SubmitResult struct {
	ExternalRef string
	Accepted    bool
	BlockNumber *uint64
	Simulated   bool
}

type Confirmation struct {
	Confirmed   bool
	BlockNumber *uint64
}

// Gateway is the external anchoring collaborator.
type Gateway interface {
	Name() string
	Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (SubmitResult, error)
	CheckConfirmation(ctx context.Context, externalRef string) (Confirmation, error)
}

// Store persists anchor records and their attempt journal.
type Store interface {
	SaveAnchor(ctx context.Context, rec domain.AnchorRecord) error
	GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error)
	ListAnchorsByStatus(ctx context.Context, statuses ...domain.AnchorStatus) ([]domain.AnchorRecord, error)
	AppendAnchorAttempt(ctx context.Context, att domain.AnchorAttempt) error
}

// Subject is a fingerprinted batch or event awaiting anchoring.
type Subject struct {
	Kind        string
	ID          string
	Fingerprint fingerprint.Fingerprint
}

var transitions = map[domain.AnchorStatus][]domain.AnchorStatus{
	domain.AnchorUnanchored:  {domain.AnchorSubmitted},
	domain.AnchorSubmitted:   {domain.AnchorSubmitted, domain.AnchorConfirmed, domain.AnchorUnconfirmed, domain.AnchorUnanchored},
	domain.AnchorUnconfirmed: {domain.AnchorConfirmed, domain.AnchorUnconfirmed},
	domain.AnchorConfirmed:   {domain.AnchorConfirmed, domain.AnchorUnconfirmed},
}

// CanTransition reports whether an anchor record may move from one status to another.
func CanTransition(from, to domain.AnchorStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(rec *domain.AnchorRecord, to domain.AnchorStatus) error {
	if !CanTransition(rec.Status, to) {
		return fmt.Errorf("%w %s -> %s", ErrIllegalStatus, rec.Status, to)
	}
	rec.Status = to
	return nil
}

// Fingerprint rebuilds the fingerprint an anchor record was submitted for.
func Fingerprint(rec domain.AnchorRecord) (fingerprint.Fingerprint, error) {
	return fingerprint.Parse(fingerprint.Version(rec.FingerprintVersion), rec.Fingerprint)
}
