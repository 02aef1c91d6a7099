// Package repo is the SQLite implementation of store.Store.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/migrate"
	"custodyline/internal/store"
)

type Repo struct {
	DB *sql.DB
}

var _ store.Store = Repo{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the database described by cfg and applies pending migrations.
func Open(ctx context.Context, cfg db.Config) (Repo, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return Repo{}, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return Repo{}, fmt.Errorf("migrate %s: %w", db.Path(cfg), err)
	}
	return Repo{DB: conn}, nil
}

func (r Repo) Close() error { return r.DB.Close() }

// conflict maps primary key and unique violations to store.ErrConflict.
func conflict(err error, what string) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%s: %w", what, store.ErrConflict)
		}
	}
	return err
}

func notFound(err error, what string) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// jsonColumn marshals v, storing NULL for a nil pointer.
func jsonColumn[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func fromJSONColumn[T any](v sql.NullString) (*T, error) {
	if !v.Valid {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func idsColumn(ids []string) (string, error) {
	data, err := json.Marshal(ids)
	return string(data), err
}

func fromIDsColumn(v string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(v), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Parties

const partyColumns = `id,name,type,country,contact_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanParty(row scanner) (domain.Party, error) {
	var p domain.Party
	var contact sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Country, &contact, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	c, err := fromJSONColumn[domain.Contact](contact)
	if err != nil {
		return p, fmt.Errorf("party %s contact: %w", p.ID, err)
	}
	p.Contact = c
	return p, nil
}

func (r Repo) CreateParty(ctx context.Context, p domain.Party) error {
	contact, err := jsonColumn(p.Contact)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO parties(`+partyColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Type, p.Country, contact, p.CreatedAt, p.UpdatedAt)
	return conflict(err, "party "+p.ID)
}

func (r Repo) GetParty(ctx context.Context, id string) (domain.Party, error) {
	p, err := scanParty(r.DB.QueryRowContext(ctx, `SELECT `+partyColumns+` FROM parties WHERE id=?`, id))
	return p, notFound(err, "party "+id)
}

func (r Repo) ListParties(ctx context.Context) ([]domain.Party, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+partyColumns+` FROM parties ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePartyContact(ctx context.Context, id string, contact *domain.Contact, updatedAt string) (domain.Party, error) {
	value, err := jsonColumn(contact)
	if err != nil {
		return domain.Party{}, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE parties SET contact_json=?, updated_at=? WHERE id=?`, value, updatedAt, id)
	if err != nil {
		return domain.Party{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Party{}, fmt.Errorf("party %s: %w", id, store.ErrNotFound)
	}
	return r.GetParty(ctx, id)
}

// Facilities

const facilityColumns = `id,name,type,owner_party_id,country,region,latitude,longitude,created_at`

func scanFacility(row scanner) (domain.Facility, error) {
	var f domain.Facility
	var lat, lon sql.NullFloat64
	if err := row.Scan(&f.ID, &f.Name, &f.Type, &f.OwnerPartyID, &f.Location.Country, &f.Location.Region, &lat, &lon, &f.CreatedAt); err != nil {
		return f, err
	}
	if lat.Valid && lon.Valid {
		f.Location.Coordinates = &domain.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return f, nil
}

func (r Repo) CreateFacility(ctx context.Context, f domain.Facility) error {
	var lat, lon any
	if c := f.Location.Coordinates; c != nil {
		lat, lon = c.Latitude, c.Longitude
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO facilities(`+facilityColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Name, f.Type, f.OwnerPartyID, f.Location.Country, f.Location.Region, lat, lon, f.CreatedAt)
	return conflict(err, "facility "+f.ID)
}

func (r Repo) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	f, err := scanFacility(r.DB.QueryRowContext(ctx, `SELECT `+facilityColumns+` FROM facilities WHERE id=?`, id))
	return f, notFound(err, "facility "+id)
}

func (r Repo) ListFacilities(ctx context.Context) ([]domain.Facility, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+facilityColumns+` FROM facilities ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Facility
	for rows.Next() {
		f, err := scanFacility(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// Documents

const documentColumns = `id,type,file_name,confidentiality,fingerprint,fingerprint_version,issuer_party_id,batch_id,event_id,created_at`

func scanDocument(row scanner) (domain.Document, error) {
	var d domain.Document
	var issuer, batch, event sql.NullString
	if err := row.Scan(&d.ID, &d.Type, &d.FileName, &d.Confidentiality, &d.Fingerprint, &d.FingerprintVersion, &issuer, &batch, &event, &d.CreatedAt); err != nil {
		return d, err
	}
	d.IssuerPartyID = stringPtr(issuer)
	d.BatchID = stringPtr(batch)
	d.EventID = stringPtr(event)
	return d, nil
}

func (r Repo) CreateDocument(ctx context.Context, d domain.Document) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Type, d.FileName, d.Confidentiality, d.Fingerprint, d.FingerprintVersion,
		nullableStringPtr(d.IssuerPartyID), nullableStringPtr(d.BatchID), nullableStringPtr(d.EventID), d.CreatedAt)
	return conflict(err, "document "+d.ID)
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
	return d, notFound(err, "document "+id)
}

func (r Repo) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
