package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"custodyline/internal/domain"
)

const anchorColumns = `subject_id,subject_kind,fingerprint,fingerprint_version,gateway,status,external_ref,block_number,simulated,attempts,last_error,submitted_at,confirmed_at,checked_at,updated_at`

func scanAnchor(row scanner) (domain.AnchorRecord, error) {
	var a domain.AnchorRecord
	var block sql.NullInt64
	var confirmed, checked sql.NullString
	err := row.Scan(&a.SubjectID, &a.SubjectKind, &a.Fingerprint, &a.FingerprintVersion, &a.Gateway, &a.Status,
		&a.ExternalRef, &block, &a.Simulated, &a.Attempts, &a.LastError, &a.SubmittedAt, &confirmed, &checked, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if block.Valid {
		n := uint64(block.Int64)
		a.BlockNumber = &n
	}
	a.ConfirmedAt = stringPtr(confirmed)
	a.CheckedAt = stringPtr(checked)
	return a, nil
}

func anchorFor(ctx context.Context, q querier, subjectID string) (*domain.AnchorRecord, error) {
	a, err := scanAnchor(q.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE subject_id=?`, subjectID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r Repo) SaveAnchor(ctx context.Context, rec domain.AnchorRecord) error {
	var block any
	if rec.BlockNumber != nil {
		block = int64(*rec.BlockNumber)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO anchors(`+anchorColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(subject_id) DO UPDATE SET subject_kind=excluded.subject_kind, fingerprint=excluded.fingerprint,
  fingerprint_version=excluded.fingerprint_version, gateway=excluded.gateway, status=excluded.status,
  external_ref=excluded.external_ref, block_number=excluded.block_number, simulated=excluded.simulated,
  attempts=excluded.attempts, last_error=excluded.last_error, submitted_at=excluded.submitted_at,
  confirmed_at=excluded.confirmed_at, checked_at=excluded.checked_at, updated_at=excluded.updated_at`,
		rec.SubjectID, rec.SubjectKind, rec.Fingerprint, rec.FingerprintVersion, rec.Gateway, rec.Status,
		rec.ExternalRef, block, rec.Simulated, rec.Attempts, rec.LastError, rec.SubmittedAt,
		nullableStringPtr(rec.ConfirmedAt), nullableStringPtr(rec.CheckedAt), rec.UpdatedAt)
	return err
}

func (r Repo) GetAnchor(ctx context.Context, subjectID string) (domain.AnchorRecord, error) {
	a, err := scanAnchor(r.DB.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE subject_id=?`, subjectID))
	return a, notFound(err, "anchor "+subjectID)
}

func (r Repo) ListAnchorsByStatus(ctx context.Context, statuses ...domain.AnchorStatus) ([]domain.AnchorRecord, error) {
	query := `SELECT ` + anchorColumns + ` FROM anchors`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += fmt.Sprintf(` WHERE status IN (%s)`, strings.Join(marks, ","))
	}
	query += ` ORDER BY submitted_at, subject_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnchorRecord
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) AppendAnchorAttempt(ctx context.Context, att domain.AnchorAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO anchor_attempts(id,subject_id,operation,attempt,outcome,external_ref,error,at) VALUES (?,?,?,?,?,?,?,?)`,
		att.ID, att.SubjectID, att.Operation, att.Attempt, att.Outcome, att.ExternalRef, att.Error, att.At)
	return conflict(err, "anchor attempt "+att.ID)
}

func (r Repo) ListAnchorAttempts(ctx context.Context, subjectID string) ([]domain.AnchorAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,subject_id,operation,attempt,outcome,external_ref,error,at FROM anchor_attempts WHERE subject_id=? ORDER BY seq`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnchorAttempt
	for rows.Next() {
		var a domain.AnchorAttempt
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.Operation, &a.Attempt, &a.Outcome, &a.ExternalRef, &a.Error, &a.At); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Counts reports stored row counts per table for status output.
func (r Repo) Counts(ctx context.Context) (map[string]int, error) {
	res := map[string]int{}
	for _, table := range []string{"parties", "facilities", "documents", "batches", "events", "anchors", "anchor_attempts"} {
		var n int
		if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
			return nil, err
		}
		res[table] = n
	}
	return res, nil
}
