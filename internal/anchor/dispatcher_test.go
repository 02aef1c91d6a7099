package anchor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/anchor"
	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
	"custodyline/internal/logging"
	"custodyline/internal/store"
)

func fastPolicy(attempts int) anchor.Policy {
	return anchor.Policy{
		MaxAttempts:    attempts,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		SubmitTimeout:  time.Second,
		ConfirmTimeout: time.Second,
	}
}

func newDispatcher(t *testing.T, st anchor.Store, gw anchor.Gateway, attempts int) *anchor.Dispatcher {
	t.Helper()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := anchor.NewDispatcher(st, gw, anchor.DispatcherOptions{
		Policy: fastPolicy(attempts),
		Logger: logging.Discard(),
		Now:    func() time.Time { return fixed },
	})
	t.Cleanup(d.Close)
	return d
}

func subject(id string) anchor.Subject {
	return anchor.Subject{Kind: domain.SubjectEvent, ID: id, Fingerprint: fingerprint.OfBytes([]byte(id))}
}

func outcomes(t *testing.T, st store.Store, id string) []string {
	t.Helper()
	atts, err := st.ListAnchorAttempts(context.Background(), id)
	require.NoError(t, err)
	var out []string
	for _, a := range atts {
		out = append(out, a.Operation+":"+a.Outcome)
	}
	return out
}

func TestDispatchRecordsSubmittedThenConfirms(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := anchor.NewSimulated()
	d := newDispatcher(t, st, gw, 3)

	subj := subject("e-1")
	rec, err := d.Dispatch(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, rec.Status)
	assert.Equal(t, subj.Fingerprint.Hex(), rec.Fingerprint)
	assert.Equal(t, "1", rec.FingerprintVersion)

	d.Wait()
	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorConfirmed, got.Status)
	assert.True(t, got.Simulated)
	assert.Equal(t, anchor.SimulatedRef("e-1", subj.Fingerprint), got.ExternalRef)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, uint64(1), *got.BlockNumber)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, []string{"submit:accepted", "confirm:confirmed"}, outcomes(t, st, "e-1"))

	again, err := d.Dispatch(ctx, subj)
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorConfirmed, again.Status)
	d.Wait()
	assert.Equal(t, 1, gw.Calls())
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := anchor.NewSimulated()
	gw.FailSubmits = 2
	d := newDispatcher(t, st, gw, 5)

	_, err := d.Dispatch(ctx, subject("e-1"))
	require.NoError(t, err)
	d.Wait()

	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorConfirmed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Equal(t, []string{"submit:error", "submit:error", "submit:accepted", "confirm:confirmed"}, outcomes(t, st, "e-1"))
}

func TestDispatchExhaustedRetriesStaySubmitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := anchor.NewSimulated()
	gw.FailSubmits = 10
	d := newDispatcher(t, st, gw, 3)

	_, err := d.Dispatch(ctx, subject("e-1"))
	require.NoError(t, err)
	d.Wait()

	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "unavailable")
	assert.Empty(t, got.ExternalRef)
}

func TestDispatchRejectedFallsBackToUnanchored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := anchor.NewSimulated()
	gw.Reject = true
	d := newDispatcher(t, st, gw, 3)

	_, err := d.Dispatch(ctx, subject("e-1"))
	require.NoError(t, err)
	d.Wait()

	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorUnanchored, got.Status)
	assert.Equal(t, []string{"submit:rejected"}, outcomes(t, st, "e-1"))
}

func TestWithheldConfirmationIsUnconfirmedUntilReconciled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := anchor.NewSimulated()
	gw.Withhold = true
	d := newDispatcher(t, st, gw, 3)

	_, err := d.Dispatch(ctx, subject("e-1"))
	require.NoError(t, err)
	d.Wait()
	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorUnconfirmed, got.Status)
	assert.NotEmpty(t, got.ExternalRef)

	gw.Withhold = false
	report, err := d.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 0, report.Resubmitted)

	got, err = st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorConfirmed, got.Status)
	assert.Equal(t, 1, gw.Calls())
}

type blockingGateway struct {
	once    sync.Once
	started chan struct{}
}

func (g *blockingGateway) Name() string { return "blocking" }

func (g *blockingGateway) Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (anchor.SubmitResult, error) {
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return anchor.SubmitResult{}, ctx.Err()
}

func (g *blockingGateway) CheckConfirmation(ctx context.Context, ref string) (anchor.Confirmation, error) {
	return anchor.Confirmation{}, nil
}

func TestCloseCancelsInFlightSubmissionWithoutLosingRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &blockingGateway{started: make(chan struct{})}
	d := anchor.NewDispatcher(st, gw, anchor.DispatcherOptions{Policy: anchor.Policy{MaxAttempts: 3, SubmitTimeout: time.Minute}, Logger: logging.Discard()})

	_, err := d.Dispatch(ctx, subject("e-1"))
	require.NoError(t, err)
	<-gw.started
	d.Close()

	got, err := st.GetAnchor(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "context canceled")

	late, err := d.Dispatch(ctx, subject("e-2"))
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, late.Status)

	sim := anchor.NewSimulated()
	next := newDispatcher(t, st, sim, 3)
	report, err := next.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Resubmitted)
	assert.Equal(t, 2, report.Confirmed)
	for _, id := range []string{"e-1", "e-2"} {
		rec, err := st.GetAnchor(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.AnchorConfirmed, rec.Status, id)
	}
}

// gatedGateway holds its first submission until release is closed.
type gatedGateway struct {
	*anchor.Simulated
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedGateway) Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (anchor.SubmitResult, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
			return anchor.SubmitResult{}, ctx.Err()
		}
	}
	return g.Simulated.Submit(ctx, subjectID, fp)
}

func TestRedispatchWhileInFlightAnchorsNewestFingerprint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	gw := &gatedGateway{Simulated: anchor.NewSimulated(), started: make(chan struct{}), release: make(chan struct{})}
	d := newDispatcher(t, st, gw, 3)

	first := subject("b-1")
	second := anchor.Subject{Kind: domain.SubjectEvent, ID: "b-1", Fingerprint: fingerprint.OfBytes([]byte("b-1 after Ship"))}
	_, err := d.Dispatch(ctx, first)
	require.NoError(t, err)
	<-gw.started

	rec, err := d.Dispatch(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, rec.Status)
	assert.Equal(t, second.Fingerprint.Hex(), rec.Fingerprint)

	close(gw.release)
	d.Wait()

	got, err := st.GetAnchor(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, second.Fingerprint.Hex(), got.Fingerprint)
	assert.Equal(t, domain.AnchorConfirmed, got.Status)
	assert.Equal(t, anchor.SimulatedRef("b-1", second.Fingerprint), got.ExternalRef)
	assert.Equal(t, 2, gw.Calls())

	report, err := d.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestConfirmWithoutReferenceIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.SaveAnchor(ctx, domain.AnchorRecord{SubjectID: "e-1", Status: domain.AnchorSubmitted}))
	d := newDispatcher(t, st, anchor.NewSimulated(), 1)
	rec, err := d.Confirm(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorSubmitted, rec.Status)

	_, err = d.Confirm(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcilerRunStopsWithContext(t *testing.T) {
	st := store.NewMemory()
	d := newDispatcher(t, st, anchor.NewSimulated(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		anchor.Reconciler{Dispatcher: d, Interval: time.Millisecond}.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := anchor.Policy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(60))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, anchor.CanTransition(domain.AnchorUnanchored, domain.AnchorSubmitted))
	assert.True(t, anchor.CanTransition(domain.AnchorSubmitted, domain.AnchorConfirmed))
	assert.True(t, anchor.CanTransition(domain.AnchorSubmitted, domain.AnchorUnconfirmed))
	assert.True(t, anchor.CanTransition(domain.AnchorSubmitted, domain.AnchorUnanchored))
	assert.True(t, anchor.CanTransition(domain.AnchorUnconfirmed, domain.AnchorConfirmed))
	assert.True(t, anchor.CanTransition(domain.AnchorConfirmed, domain.AnchorUnconfirmed))
	assert.False(t, anchor.CanTransition(domain.AnchorUnanchored, domain.AnchorConfirmed))
	assert.False(t, anchor.CanTransition(domain.AnchorConfirmed, domain.AnchorUnanchored))
	assert.False(t, anchor.CanTransition(domain.AnchorUnconfirmed, domain.AnchorUnanchored))
}
