package custody

import (
	"errors"
	"fmt"

	"custodyline/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports an event or action that the batch's current status does not allow.
type TransitionError struct {
	From   domain.BatchStatus
	Action string
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(new)"
	}
	return fmt.Sprintf("invalid transition: %s not allowed from %s", e.Action, from)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func reject(from domain.BatchStatus, action string) error {
	return &TransitionError{From: from, Action: action}
}

// Next returns the status a batch moves to when an event of type t is applied.
// prior is the status remembered when the batch entered Dispute.
func Next(from domain.BatchStatus, prior *domain.BatchStatus, t domain.EventType) (domain.BatchStatus, error) {
	switch t {
	case domain.EventCreate:
		if from == "" {
			return domain.StatusCreated, nil
		}
	case domain.EventShip:
		if from == domain.StatusCreated || from == domain.StatusReceived {
			return domain.StatusInTransit, nil
		}
	case domain.EventTransfer:
		if from == domain.StatusInTransit || from == domain.StatusReceived {
			return from, nil
		}
	case domain.EventReceive:
		if from == domain.StatusInTransit {
			return domain.StatusReceived, nil
		}
	case domain.EventInspectTest:
		if from == domain.StatusCreated || from == domain.StatusInTransit || from == domain.StatusReceived {
			return from, nil
		}
	case domain.EventAssayFinalized:
		if from == domain.StatusCreated || from == domain.StatusReceived {
			return from, nil
		}
	case domain.EventDispute:
		if from == domain.StatusCreated || from == domain.StatusInTransit || from == domain.StatusReceived {
			return domain.StatusDispute, nil
		}
	case domain.EventResolve:
		if from == domain.StatusDispute && prior != nil {
			return *prior, nil
		}
	default:
		return "", fmt.Errorf("unknown event type %q", t)
	}
	return "", reject(from, string(t))
}

// Allowed lists the event types a batch in status from accepts.
func Allowed(from domain.BatchStatus, prior *domain.BatchStatus) []domain.EventType {
	var out []domain.EventType
	for _, t := range domain.EventTypes {
		if _, err := Next(from, prior, t); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// Apply returns b as it stands after ev. Neither argument is modified. assay is the
// result an AssayFinalized event declares. It is kept on the batch only.
func Apply(b domain.Batch, ev domain.Event, assay *domain.Assay) (domain.Batch, error) {
	next, err := Next(b.Status, b.PriorStatus, ev.Type)
	if err != nil {
		return b, err
	}
	if assay != nil && ev.Type != domain.EventAssayFinalized {
		return b, fmt.Errorf("%s does not carry an assay", ev.Type)
	}
	out := b
	out.EventIDs = append(append([]string(nil), b.EventIDs...), ev.ID)
	out.DocumentIDs = mergeIDs(b.DocumentIDs, ev.DocumentIDs)

	switch ev.Type {
	case domain.EventDispute:
		prior := b.Status
		out.PriorStatus = &prior
	case domain.EventResolve:
		out.PriorStatus = nil
	case domain.EventTransfer:
		if ev.ToPartyID == nil {
			return b, fmt.Errorf("%s requires a receiving party", ev.Type)
		}
		out.OwnerPartyID = *ev.ToPartyID
	case domain.EventReceive:
		if ev.ToPartyID != nil {
			out.OwnerPartyID = *ev.ToPartyID
		}
		if ev.Quantity != nil {
			out.Quantity = *ev.Quantity
		}
	case domain.EventInspectTest:
		if ev.Quantity != nil {
			out.Quantity = *ev.Quantity
		}
	case domain.EventAssayFinalized:
		if assay == nil {
			return b, fmt.Errorf("%s requires an assay", ev.Type)
		}
		a := *assay
		out.DeclaredAssay = &a
	}
	out.Status = next
	return out, nil
}

// Close moves a batch to the terminal Closed status.
func Close(b domain.Batch) (domain.Batch, error) {
	if b.Status != domain.StatusCreated && b.Status != domain.StatusReceived {
		return b, reject(b.Status, "Close")
	}
	b.Status = domain.StatusClosed
	b.PriorStatus = nil
	return b, nil
}

func mergeIDs(have, add []string) []string {
	out := append([]string(nil), have...)
	seen := make(map[string]struct{}, len(have)+len(add))
	for _, id := range have {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
