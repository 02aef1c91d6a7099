package domain

import "github.com/shopspring/decimal"

const (
	PartyMineOperator = "MineOperator"
	PartyTransporter  = "Transporter"
	PartyBuyer        = "Buyer"
	PartyRefinery     = "Refinery"
	PartyAuditor      = "Auditor"
	PartyOther        = "Other"
)

const (
	FacilityMine      = "Mine"
	FacilityWarehouse = "Warehouse"
	FacilityRefinery  = "Refinery"
	FacilityPort      = "Port"
	FacilityOther     = "Other"
)

type BatchStatus string

const (
	StatusCreated   BatchStatus = "Created"
	StatusInTransit BatchStatus = "InTransit"
	StatusReceived  BatchStatus = "Received"
	StatusDispute   BatchStatus = "Dispute"
	StatusClosed    BatchStatus = "Closed"
)

type EventType string

const (
	EventCreate         EventType = "Create"
	EventShip           EventType = "Ship"
	EventTransfer       EventType = "Transfer"
	EventReceive        EventType = "Receive"
	EventInspectTest    EventType = "InspectTest"
	EventAssayFinalized EventType = "AssayFinalized"
	EventDispute        EventType = "Dispute"
	EventResolve        EventType = "Resolve"
)

// EventTypes lists every event type in lifecycle order.
var EventTypes = []EventType{
	EventCreate, EventShip, EventTransfer, EventReceive,
	EventInspectTest, EventAssayFinalized, EventDispute, EventResolve,
}

type AnchorStatus string

const (
	AnchorUnanchored  AnchorStatus = "unanchored"
	AnchorSubmitted   AnchorStatus = "submitted"
	AnchorConfirmed   AnchorStatus = "confirmed"
	AnchorUnconfirmed AnchorStatus = "unconfirmed"
)

const (
	SubjectBatch = "batch"
	SubjectEvent = "event"
)

type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Party struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type" enum:"MineOperator,Transporter,Buyer,Refinery,Auditor,Other"`
	Country   string   `json:"country"`
	Contact   *Contact `json:"contact,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Location struct {
	Country     string       `json:"country"`
	Region      string       `json:"region,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Facility struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type" enum:"Mine,Warehouse,Refinery,Port,Other"`
	OwnerPartyID string   `json:"owner_party_id"`
	Location     Location `json:"location"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
}

type Document struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type"`
	FileName           string  `json:"file_name"`
	Confidentiality    string  `json:"confidentiality" enum:"public,internal,confidential,restricted"`
	Fingerprint        string  `json:"fingerprint"`
	FingerprintVersion string  `json:"fingerprint_version"`
	IssuerPartyID      *string `json:"issuer_party_id,omitempty"`
	BatchID            *string `json:"batch_id,omitempty"`
	EventID            *string `json:"event_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

// Quantity is a weight in a named unit.
type Quantity struct {
	Weight decimal.Decimal `json:"weight"`
	Unit   string          `json:"unit"`
}

type Assay struct {
	Element string          `json:"element"`
	Grade   decimal.Decimal `json:"grade"`
	Unit    string          `json:"unit"`
}

type Batch struct {
	ID                 string        `json:"id"`
	ExternalReference  string        `json:"external_reference"`
	CommodityType      string        `json:"commodity_type"`
	OriginFacilityID   string        `json:"origin_facility_id"`
	OwnerPartyID       string        `json:"owner_party_id"`
	Quantity           Quantity      `json:"quantity"`
	DeclaredAssay      *Assay        `json:"declared_assay,omitempty"`
	Status             BatchStatus   `json:"status" enum:"Created,InTransit,Received,Dispute,Closed"`
	PriorStatus        *BatchStatus  `json:"prior_status,omitempty"`
	EventIDs           []string      `json:"event_ids"`
	DocumentIDs        []string      `json:"document_ids"`
	Fingerprint        string        `json:"fingerprint"`
	FingerprintVersion string        `json:"fingerprint_version"`
	Anchor             *AnchorRecord `json:"anchor,omitempty"`
	CreatedAt          string        `json:"created_at" format:"date-time"`
	UpdatedAt          string        `json:"updated_at" format:"date-time"`
}

// Event is an immutable custody action. Only Anchor may change after it is stored.
type Event struct {
	ID                 string        `json:"id"`
	Type               EventType     `json:"type" enum:"Create,Ship,Transfer,Receive,InspectTest,AssayFinalized,Dispute,Resolve"`
	Timestamp          string        `json:"timestamp" format:"date-time"`
	Sequence           int64         `json:"sequence"`
	BatchID            string        `json:"batch_id"`
	FromPartyID        *string       `json:"from_party_id,omitempty"`
	ToPartyID          *string       `json:"to_party_id,omitempty"`
	FromFacilityID     *string       `json:"from_facility_id,omitempty"`
	ToFacilityID       *string       `json:"to_facility_id,omitempty"`
	Quantity           *Quantity     `json:"quantity,omitempty"`
	DocumentIDs        []string      `json:"document_ids"`
	Fingerprint        string        `json:"fingerprint"`
	FingerprintVersion string        `json:"fingerprint_version"`
	Anchor             *AnchorRecord `json:"anchor,omitempty"`
}

// AnchorRecord is the evidence that a fingerprint was handed to an anchor gateway.
type AnchorRecord struct {
	SubjectID          string       `json:"subject_id"`
	SubjectKind        string       `json:"subject_kind" enum:"batch,event"`
	Fingerprint        string       `json:"fingerprint"`
	FingerprintVersion string       `json:"fingerprint_version"`
	Gateway            string       `json:"gateway"`
	Status             AnchorStatus `json:"status" enum:"unanchored,submitted,confirmed,unconfirmed"`
	ExternalRef        string       `json:"external_ref,omitempty"`
	BlockNumber        *uint64      `json:"block_number,omitempty"`
	Simulated          bool         `json:"simulated"`
	Attempts           int          `json:"attempts"`
	LastError          string       `json:"last_error,omitempty"`
	SubmittedAt        string       `json:"submitted_at" format:"date-time"`
	ConfirmedAt        *string      `json:"confirmed_at,omitempty" format:"date-time"`
	CheckedAt          *string      `json:"checked_at,omitempty" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// AnchorAttempt journals one call to an anchor gateway.
type AnchorAttempt struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subject_id"`
	Operation   string `json:"operation" enum:"submit,confirm"`
	Attempt     int    `json:"attempt"`
	Outcome     string `json:"outcome"`
	ExternalRef string `json:"external_ref,omitempty"`
	Error       string `json:"error,omitempty"`
	At          string `json:"at" format:"date-time"`
}
