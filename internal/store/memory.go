package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"custodyline/internal/domain"
)

// Memory keeps everything in process. Values are copied on the way in and out.
type Memory struct {
	mu         sync.RWMutex
	parties    map[string]domain.Party
	facilities map[string]domain.Facility
	documents  map[string]domain.Document
	batches    map[string]domain.Batch
	refs       map[string]string
	events     map[string]domain.Event
	// sequences indexes each batch's event ids by sequence.
	sequences  map[string]map[int64]string
	anchors    map[string]domain.AnchorRecord
	attempts   map[string][]domain.AnchorAttempt
}

func NewMemory() *Memory {
	return &Memory{
		parties:    map[string]domain.Party{},
		facilities: map[string]domain.Facility{},
		documents:  map[string]domain.Document{},
		batches:    map[string]domain.Batch{},
		refs:       map[string]string{},
		events:     map[string]domain.Event{},
		sequences:  map[string]map[int64]string{},
		anchors:    map[string]domain.AnchorRecord{},
		attempts:   map[string][]domain.AnchorAttempt{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateParty(ctx context.Context, p domain.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parties[p.ID]; ok {
		return fmt.Errorf("party %s: %w", p.ID, ErrConflict)
	}
	if p.Contact != nil {
		c := *p.Contact
		p.Contact = &c
	}
	m.parties[p.ID] = p
	return nil
}

func (m *Memory) GetParty(ctx context.Context, id string) (domain.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parties[id]
	if !ok {
		return domain.Party{}, fmt.Errorf("party %s: %w", id, ErrNotFound)
	}
	return cloneParty(p), nil
}

func (m *Memory) ListParties(ctx context.Context) ([]domain.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Party, 0, len(m.parties))
	for _, p := range m.parties {
		out = append(out, cloneParty(p))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *Memory) UpdatePartyContact(ctx context.Context, id string, contact *domain.Contact, updatedAt string) (domain.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parties[id]
	if !ok {
		return domain.Party{}, fmt.Errorf("party %s: %w", id, ErrNotFound)
	}
	p.Contact = nil
	if contact != nil {
		c := *contact
		p.Contact = &c
	}
	p.UpdatedAt = updatedAt
	m.parties[id] = p
	return cloneParty(p), nil
}

func (m *Memory) CreateFacility(ctx context.Context, f domain.Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.facilities[f.ID]; ok {
		return fmt.Errorf("facility %s: %w", f.ID, ErrConflict)
	}
	m.facilities[f.ID] = cloneFacility(f)
	return nil
}

func (m *Memory) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.facilities[id]
	if !ok {
		return domain.Facility{}, fmt.Errorf("facility %s: %w", id, ErrNotFound)
	}
	return cloneFacility(f), nil
}

func (m *Memory) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Facility, 0, len(m.facilities))
	for _, f := range m.facilities {
		out = append(out, cloneFacility(f))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *Memory) CreateDocument(ctx context.Context, d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; ok {
		return fmt.Errorf("document %s: %w", d.ID, ErrConflict)
	}
	m.documents[d.ID] = cloneDocument(d)
	return nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return cloneDocument(d), nil
}

func (m *Memory) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Document, 0, len(m.documents))
	for _, d := range m.documents {
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *Memory) CreateBatch(ctx context.Context, b domain.Batch, first domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("batch %s: %w", b.ID, ErrConflict)
	}
	if _, ok := m.refs[b.ExternalReference]; ok {
		return fmt.Errorf("external reference %s: %w", b.ExternalReference, ErrConflict)
	}
	if _, ok := m.events[first.ID]; ok {
		return fmt.Errorf("event %s: %w", first.ID, ErrConflict)
	}
	b.Anchor = nil
	first.Anchor = nil
	m.batches[b.ID] = CloneBatch(b)
	m.refs[b.ExternalReference] = b.ID
	m.events[first.ID] = CloneEvent(first)
	m.sequences[b.ID] = map[int64]string{first.Sequence: first.ID}
	return nil
}

func (m *Memory) LoadBatch(ctx context.Context, id string) (domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadBatch(id)
}

func (m *Memory) loadBatch(id string) (domain.Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	b = CloneBatch(b)
	b.Anchor = m.anchorFor(b.ID)
	return b, nil
}

func (m *Memory) LoadBatchByReference(ctx context.Context, ref string) (domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[ref]
	if !ok {
		return domain.Batch{}, fmt.Errorf("external reference %s: %w", ref, ErrNotFound)
	}
	return m.loadBatch(id)
}

func (m *Memory) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Batch, 0, len(m.batches))
	for id := range m.batches {
		b, _ := m.loadBatch(id)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *Memory) UpdateBatch(ctx context.Context, b domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBatch(b)
}

func (m *Memory) updateBatch(b domain.Batch) error {
	prev, ok := m.batches[b.ID]
	if !ok {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	if prev.ExternalReference != b.ExternalReference {
		if _, taken := m.refs[b.ExternalReference]; taken {
			return fmt.Errorf("external reference %s: %w", b.ExternalReference, ErrConflict)
		}
		delete(m.refs, prev.ExternalReference)
		m.refs[b.ExternalReference] = b.ID
	}
	b.Anchor = nil
	m.batches[b.ID] = CloneBatch(b)
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev domain.Event, b domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.BatchID != b.ID {
		return fmt.Errorf("event %s belongs to batch %s, not %s", ev.ID, ev.BatchID, b.ID)
	}
	if _, ok := m.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, ErrNotFound)
	}
	if _, ok := m.events[ev.ID]; ok {
		return fmt.Errorf("event %s: %w", ev.ID, ErrConflict)
	}
	if _, taken := m.sequences[b.ID][ev.Sequence]; taken {
		return fmt.Errorf("batch %s sequence %d: %w", ev.BatchID, ev.Sequence, ErrConflict)
	}
	if err := m.updateBatch(b); err != nil {
		return err
	}
	ev.Anchor = nil
	m.events[ev.ID] = CloneEvent(ev)
	m.sequences[b.ID][ev.Sequence] = ev.ID
	return nil
}

func (m *Memory) LoadEventsForBatch(ctx context.Context, batchID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.batches[batchID]; !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return m.eventsFor(batchID), nil
}

func (m *Memory) eventsFor(batchID string) []domain.Event {
	out := make([]domain.Event, 0, len(m.sequences[batchID]))
	for _, id := range m.sequences[batchID] {
		ev := CloneEvent(m.events[id])
		ev.Anchor = m.anchorFor(ev.ID)
		out = append(out, ev)
	}
	SortEvents(out)
	return out
}

func (m *Memory) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	ev = CloneEvent(ev)
	ev.Anchor = m.anchorFor(ev.ID)
	return ev, nil
}

func (m *Memory) Snapshot(ctx context.Context, batchID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.loadBatch(batchID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Batch: b, Events: m.eventsFor(batchID)}, nil
}

func (m *Memory) SaveAnchor(ctx context.Context, rec domain.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[rec.SubjectID] = CloneAnchor(rec)
	return nil
}

func (m *Memory) GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.anchors[subjectID]
	if !ok {
		return domain.AnchorRecord{}, fmt.Errorf("anchor %s: %w", subjectID, ErrNotFound)
	}
	return CloneAnchor(rec), nil
}

func (m *Memory) ListAnchorsByStatus(ctx context.Context, statuses ...domain.AnchorStatus) ([]domain.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.AnchorRecord
	for _, rec := range m.anchors {
		if MatchStatus(rec.Status, statuses) {
			out = append(out, CloneAnchor(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].SubmittedAt, out[i].SubjectID, out[j].SubmittedAt, out[j].SubjectID)
	})
	return out, nil
}

func (m *Memory) AppendAnchorAttempt(ctx context.Context, att domain.AnchorAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[att.SubjectID] = append(m.attempts[att.SubjectID], att)
	return nil
}

func (m *Memory) ListAnchorAttempts(ctx context.Context, subjectID string) ([]domain.AnchorAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AnchorAttempt(nil), m.attempts[subjectID]...), nil
}

func (m *Memory) anchorFor(subjectID string) *domain.AnchorRecord {
	rec, ok := m.anchors[subjectID]
	if !ok {
		return nil
	}
	rec = CloneAnchor(rec)
	return &rec
}

// MatchStatus reports whether s is one of statuses; no statuses matches everything.
func MatchStatus(s domain.AnchorStatus, statuses []domain.AnchorStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func less(aKey, aID, bKey, bID string) bool {
	if aKey != bKey {
		return aKey < bKey
	}
	return aID < bID
}

func cloneParty(p domain.Party) domain.Party {
	if p.Contact != nil {
		c := *p.Contact
		p.Contact = &c
	}
	return p
}

func cloneFacility(f domain.Facility) domain.Facility {
	if f.Location.Coordinates != nil {
		c := *f.Location.Coordinates
		f.Location.Coordinates = &c
	}
	return f
}

func cloneDocument(d domain.Document) domain.Document {
	d.IssuerPartyID = cloneString(d.IssuerPartyID)
	d.BatchID = cloneString(d.BatchID)
	d.EventID = cloneString(d.EventID)
	return d
}
