package anchor

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"custodyline/internal/fingerprint"
)

const simulatedRefPrefix = "sim:"

var simulatedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("custodyline/anchor/simulated"))

// Simulated is an in-process gateway. References are derived from the subject and
// fingerprint, and block numbers come from a local counter.
type Simulated struct {
	// Reject makes Submit answer accepted=false.
	Reject bool
	// Withhold makes CheckConfirmation answer confirmed=false.
	Withhold bool
	// FailSubmits makes the next n Submit calls fail with ErrUnavailable.
	FailSubmits int

	mu     sync.Mutex
	block  uint64
	blocks map[string]uint64
	calls  int
}

func NewSimulated() *Simulated {
	return &Simulated{blocks: map[string]uint64{}}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return SubmitResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.FailSubmits > 0 {
		s.FailSubmits--
		return SubmitResult{}, ErrUnavailable
	}
	if s.Reject {
		return SubmitResult{Accepted: false, Simulated: true}, nil
	}
	ref := SimulatedRef(subjectID, fp)
	if s.blocks == nil {
		s.blocks = map[string]uint64{}
	}
	block, ok := s.blocks[ref]
	if !ok {
		s.block++
		block = s.block
		s.blocks[ref] = block
	}
	return SubmitResult{ExternalRef: ref, Accepted: true, BlockNumber: &block, Simulated: true}, nil
}

func (s *Simulated) CheckConfirmation(ctx context.Context, externalRef string) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Withhold || !strings.HasPrefix(externalRef, simulatedRefPrefix) {
		return Confirmation{}, nil
	}
	if _, err := uuid.Parse(strings.TrimPrefix(externalRef, simulatedRefPrefix)); err != nil {
		return Confirmation{}, nil
	}
	c := Confirmation{Confirmed: true}
	if block, ok := s.blocks[externalRef]; ok {
		c.BlockNumber = &block
	}
	return c, nil
}

// Calls counts Submit invocations.
func (s *Simulated) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// SimulatedRef is the reference the simulated gateway returns for a submission.
func SimulatedRef(subjectID string, fp fingerprint.Fingerprint) string {
	return simulatedRefPrefix + uuid.NewSHA1(simulatedNamespace, []byte(subjectID+"|"+fp.Display())).String()
}
