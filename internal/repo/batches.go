package repo

import (
	"context"
	"database/sql"
	"fmt"

	"custodyline/internal/domain"
	"custodyline/internal/store"
)

const batchColumns = `id,external_reference,commodity_type,origin_facility_id,owner_party_id,weight,unit,declared_assay_json,status,prior_status,event_ids_json,document_ids_json,fingerprint,fingerprint_version,created_at,updated_at`

func batchArgs(b domain.Batch) ([]any, error) {
	assay, err := jsonColumn(b.DeclaredAssay)
	if err != nil {
		return nil, err
	}
	eventIDs, err := idsColumn(b.EventIDs)
	if err != nil {
		return nil, err
	}
	docIDs, err := idsColumn(b.DocumentIDs)
	if err != nil {
		return nil, err
	}
	prior := ""
	if b.PriorStatus != nil {
		prior = string(*b.PriorStatus)
	}
	return []any{
		b.ID, b.ExternalReference, b.CommodityType, b.OriginFacilityID, b.OwnerPartyID,
		b.Quantity.Weight, b.Quantity.Unit, assay, b.Status, nullable(prior),
		eventIDs, docIDs, b.Fingerprint, b.FingerprintVersion, b.CreatedAt, b.UpdatedAt,
	}, nil
}

func scanBatch(row scanner) (domain.Batch, error) {
	var b domain.Batch
	var assay, prior sql.NullString
	var eventIDs, docIDs string
	err := row.Scan(&b.ID, &b.ExternalReference, &b.CommodityType, &b.OriginFacilityID, &b.OwnerPartyID,
		&b.Quantity.Weight, &b.Quantity.Unit, &assay, &b.Status, &prior,
		&eventIDs, &docIDs, &b.Fingerprint, &b.FingerprintVersion, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	if b.DeclaredAssay, err = fromJSONColumn[domain.Assay](assay); err != nil {
		return b, fmt.Errorf("batch %s declared assay: %w", b.ID, err)
	}
	if prior.Valid {
		s := domain.BatchStatus(prior.String)
		b.PriorStatus = &s
	}
	if b.EventIDs, err = fromIDsColumn(eventIDs); err != nil {
		return b, fmt.Errorf("batch %s event ids: %w", b.ID, err)
	}
	if b.DocumentIDs, err = fromIDsColumn(docIDs); err != nil {
		return b, fmt.Errorf("batch %s document ids: %w", b.ID, err)
	}
	return b, nil
}

const eventColumns = `id,batch_id,sequence,type,ts,from_party_id,to_party_id,from_facility_id,to_facility_id,quantity_json,document_ids_json,fingerprint,fingerprint_version`

func eventArgs(ev domain.Event) ([]any, error) {
	qty, err := jsonColumn(ev.Quantity)
	if err != nil {
		return nil, err
	}
	docIDs, err := idsColumn(ev.DocumentIDs)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.ID, ev.BatchID, ev.Sequence, ev.Type, ev.Timestamp,
		nullableStringPtr(ev.FromPartyID), nullableStringPtr(ev.ToPartyID),
		nullableStringPtr(ev.FromFacilityID), nullableStringPtr(ev.ToFacilityID),
		qty, docIDs, ev.Fingerprint, ev.FingerprintVersion,
	}, nil
}

func scanEvent(row scanner) (domain.Event, error) {
	var ev domain.Event
	var fromParty, toParty, fromFacility, toFacility, qty sql.NullString
	var docIDs string
	err := row.Scan(&ev.ID, &ev.BatchID, &ev.Sequence, &ev.Type, &ev.Timestamp,
		&fromParty, &toParty, &fromFacility, &toFacility,
		&qty, &docIDs, &ev.Fingerprint, &ev.FingerprintVersion)
	if err != nil {
		return ev, err
	}
	ev.FromPartyID = stringPtr(fromParty)
	ev.ToPartyID = stringPtr(toParty)
	ev.FromFacilityID = stringPtr(fromFacility)
	ev.ToFacilityID = stringPtr(toFacility)
	if ev.Quantity, err = fromJSONColumn[domain.Quantity](qty); err != nil {
		return ev, fmt.Errorf("event %s quantity: %w", ev.ID, err)
	}
	if ev.DocumentIDs, err = fromIDsColumn(docIDs); err != nil {
		return ev, fmt.Errorf("event %s document ids: %w", ev.ID, err)
	}
	return ev, nil
}

func insertEvent(ctx context.Context, q querier, ev domain.Event) error {
	args, err := eventArgs(ev)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return conflict(err, fmt.Sprintf("event %s (batch %s sequence %d)", ev.ID, ev.BatchID, ev.Sequence))
}

func (r Repo) CreateBatch(ctx context.Context, b domain.Batch, first domain.Event) error {
	args, err := batchArgs(b)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return conflict(err, fmt.Sprintf("batch %s (reference %s)", b.ID, b.ExternalReference))
	}
	if err := insertEvent(ctx, tx, first); err != nil {
		return err
	}
	return tx.Commit()
}

func loadBatch(ctx context.Context, q querier, where string, arg any) (domain.Batch, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE `+where, arg))
	if err != nil {
		return b, err
	}
	b.Anchor, err = anchorFor(ctx, q, b.ID)
	return b, err
}

func (r Repo) LoadBatch(ctx context.Context, id string) (domain.Batch, error) {
	b, err := loadBatch(ctx, r.DB, `id=?`, id)
	return b, notFound(err, "batch "+id)
}

func (r Repo) LoadBatchByReference(ctx context.Context, ref string) (domain.Batch, error) {
	b, err := loadBatch(ctx, r.DB, `external_reference=?`, ref)
	return b, notFound(err, "external reference "+ref)
}

func (r Repo) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Anchor, err = anchorFor(ctx, r.DB, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func updateBatch(ctx context.Context, q querier, b domain.Batch) error {
	args, err := batchArgs(b)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE batches SET external_reference=?,commodity_type=?,origin_facility_id=?,owner_party_id=?,weight=?,unit=?,declared_assay_json=?,status=?,prior_status=?,event_ids_json=?,document_ids_json=?,fingerprint=?,fingerprint_version=?,created_at=?,updated_at=? WHERE id=?`,
		append(args[1:], b.ID)...)
	if err != nil {
		return conflict(err, "external reference "+b.ExternalReference)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", b.ID, store.ErrNotFound)
	}
	return nil
}

func (r Repo) UpdateBatch(ctx context.Context, b domain.Batch) error {
	return updateBatch(ctx, r.DB, b)
}

func (r Repo) AppendEvent(ctx context.Context, ev domain.Event, b domain.Batch) error {
	if ev.BatchID != b.ID {
		return fmt.Errorf("event %s belongs to batch %s, not %s", ev.ID, ev.BatchID, b.ID)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := batchExists(ctx, tx, b.ID); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := updateBatch(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

func eventsFor(ctx context.Context, q querier, batchID string) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE batch_id=? ORDER BY ts, sequence`, batchID)
	if err != nil {
		return nil, err
	}
	var res []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, ev)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Anchor, err = anchorFor(ctx, q, res[i].ID); err != nil {
			return nil, err
		}
	}
	store.SortEvents(res)
	return res, nil
}

func batchExists(ctx context.Context, q querier, id string) error {
	var one int
	return notFound(q.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id=?`, id).Scan(&one), "batch "+id)
}

func (r Repo) LoadEventsForBatch(ctx context.Context, batchID string) ([]domain.Event, error) {
	if err := batchExists(ctx, r.DB, batchID); err != nil {
		return nil, err
	}
	return eventsFor(ctx, r.DB, batchID)
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	ev, err := scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if err != nil {
		return ev, notFound(err, "event "+id)
	}
	ev.Anchor, err = anchorFor(ctx, r.DB, ev.ID)
	return ev, err
}

// Snapshot reads the batch and its events inside one transaction.
func (r Repo) Snapshot(ctx context.Context, batchID string) (store.Snapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer tx.Rollback()
	b, err := loadBatch(ctx, tx, `id=?`, batchID)
	if err != nil {
		return store.Snapshot{}, notFound(err, "batch "+batchID)
	}
	events, err := eventsFor(ctx, tx, batchID)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Batch: b, Events: events}, nil
}
