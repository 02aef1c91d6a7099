package server

import (
	"github.com/shopspring/decimal"

	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/verify"
)

// Request payloads

type CreatePartyRequest struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Type    string          `json:"type" enum:"MineOperator,Transporter,Buyer,Refinery,Auditor,Other"`
	Country string          `json:"country"`
	Contact *domain.Contact `json:"contact,omitempty"`
}

type UpdateContactRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CreateFacilityRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Type         string   `json:"type" enum:"Mine,Warehouse,Refinery,Port,Other"`
	OwnerPartyID string   `json:"owner_party_id"`
	Country      string   `json:"country"`
	Region       string   `json:"region,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

type RegisterDocumentRequest struct {
	ID                 string `json:"id,omitempty"`
	Type               string `json:"type"`
	FileName           string `json:"file_name"`
	Confidentiality    string `json:"confidentiality,omitempty" enum:"public,internal,confidential,restricted"`
	Content            []byte `json:"content,omitempty" doc:"Base64 document content. Only its fingerprint is stored."`
	Fingerprint        string `json:"fingerprint,omitempty" doc:"Hex digest computed elsewhere, instead of content."`
	FingerprintVersion string `json:"fingerprint_version,omitempty"`
	IssuerPartyID      string `json:"issuer_party_id,omitempty"`
	BatchID            string `json:"batch_id,omitempty"`
	EventID            string `json:"event_id,omitempty"`
}

type VerifyDocumentRequest struct {
	Content []byte `json:"content" doc:"Base64 document content to compare with the stored fingerprint."`
}

type QuantityRequest struct {
	Weight string `json:"weight" example:"25.5" doc:"Decimal weight as a string."`
	Unit   string `json:"unit" example:"kg"`
}

type AssayRequest struct {
	Element string `json:"element" example:"Co"`
	Grade   string `json:"grade" example:"31.2"`
	Unit    string `json:"unit" example:"%"`
}

type CreateBatchRequest struct {
	ID                string          `json:"id,omitempty"`
	ExternalReference string          `json:"external_reference"`
	CommodityType     string          `json:"commodity_type"`
	OriginFacilityID  string          `json:"origin_facility_id"`
	OwnerPartyID      string          `json:"owner_party_id"`
	Quantity          QuantityRequest `json:"quantity"`
	DeclaredAssay     *AssayRequest   `json:"declared_assay,omitempty"`
	DocumentIDs       []string        `json:"document_ids,omitempty"`
	OccurredAt        string          `json:"occurred_at,omitempty" doc:"RFC 3339 time of the Create event; defaults to now."`
}

type AppendEventRequest struct {
	Type           string           `json:"type" enum:"Ship,Transfer,Receive,InspectTest,AssayFinalized,Dispute,Resolve"`
	OccurredAt     string           `json:"occurred_at,omitempty"`
	FromPartyID    string           `json:"from_party_id,omitempty"`
	ToPartyID      string           `json:"to_party_id,omitempty"`
	FromFacilityID string           `json:"from_facility_id,omitempty"`
	ToFacilityID   string           `json:"to_facility_id,omitempty"`
	Quantity       *QuantityRequest `json:"quantity,omitempty"`
	Assay          *AssayRequest    `json:"assay,omitempty"`
	DocumentIDs    []string         `json:"document_ids,omitempty"`
}

type FingerprintRequest struct {
	Record any `json:"record" doc:"Any JSON value. Numbers keep their literal form."`
}

// Response payloads

type FingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
	Display     string `json:"display"`
	Canonical   string `json:"canonical"`
}

type partyList struct {
	Items []domain.Party `json:"items"`
}

type facilityList struct {
	Items []domain.Facility `json:"items"`
}

type documentList struct {
	Items []domain.Document `json:"items"`
}

type batchList struct {
	Items []domain.Batch `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type anchorResponse struct {
	Record   domain.AnchorRecord    `json:"record"`
	Attempts []domain.AnchorAttempt `json:"attempts"`
}

type verifyResponse struct {
	verify.BatchReport
	MismatchCount int `json:"mismatch_count"`
}

// Conversion helpers

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, &engine.ValidationError{Message: "invalid decimal", Fields: map[string]string{field: "decimal"}}
	}
	return d, nil
}

func (q *QuantityRequest) input(field string) (*engine.QuantityInput, error) {
	if q == nil {
		return nil, nil
	}
	w, err := parseDecimal(field+".weight", q.Weight)
	if err != nil {
		return nil, err
	}
	return &engine.QuantityInput{Weight: w, Unit: q.Unit}, nil
}

func (a *AssayRequest) input(field string) (*engine.AssayInput, error) {
	if a == nil {
		return nil, nil
	}
	g, err := parseDecimal(field+".grade", a.Grade)
	if err != nil {
		return nil, err
	}
	return &engine.AssayInput{Element: a.Element, Grade: g, Unit: a.Unit}, nil
}

func (r CreateBatchRequest) options() (engine.BatchCreateOptions, error) {
	q, err := r.Quantity.input("quantity")
	if err != nil {
		return engine.BatchCreateOptions{}, err
	}
	assay, err := r.DeclaredAssay.input("declared_assay")
	if err != nil {
		return engine.BatchCreateOptions{}, err
	}
	return engine.BatchCreateOptions{
		ID:                r.ID,
		ExternalReference: r.ExternalReference,
		CommodityType:     r.CommodityType,
		OriginFacilityID:  r.OriginFacilityID,
		OwnerPartyID:      r.OwnerPartyID,
		Quantity:          *q,
		DeclaredAssay:     assay,
		DocumentIDs:       r.DocumentIDs,
		OccurredAt:        r.OccurredAt,
	}, nil
}

func (r AppendEventRequest) options(batchID string) (engine.EventAppendOptions, error) {
	q, err := r.Quantity.input("quantity")
	if err != nil {
		return engine.EventAppendOptions{}, err
	}
	assay, err := r.Assay.input("assay")
	if err != nil {
		return engine.EventAppendOptions{}, err
	}
	return engine.EventAppendOptions{
		BatchID:        batchID,
		Type:           r.Type,
		OccurredAt:     r.OccurredAt,
		FromPartyID:    r.FromPartyID,
		ToPartyID:      r.ToPartyID,
		FromFacilityID: r.FromFacilityID,
		ToFacilityID:   r.ToFacilityID,
		Quantity:       q,
		Assay:          assay,
		DocumentIDs:    r.DocumentIDs,
	}, nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
