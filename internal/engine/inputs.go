package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"custodyline/internal/domain"
)

var ErrValidation = errors.New("validation failed")

// ValidationError reports rejected input. Fields maps field names to the failed rule.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + e.Fields[name]
	}
	return e.Message + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	return v
}

func check(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Namespace()] = rule
	}
	return &ValidationError{Message: "invalid input", Fields: fields}
}

type PartyCreateOptions struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name" validate:"required"`
	Type    string          `json:"type" validate:"required,oneof=MineOperator Transporter Buyer Refinery Auditor Other"`
	Country string          `json:"country" validate:"required"`
	Contact *domain.Contact `json:"contact,omitempty" validate:"omitempty"`
}

type ContactUpdateOptions struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty"`
}

type FacilityCreateOptions struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name" validate:"required"`
	Type         string   `json:"type" validate:"required,oneof=Mine Warehouse Refinery Port Other"`
	OwnerPartyID string   `json:"owner_party_id" validate:"required"`
	Country      string   `json:"country" validate:"required"`
	Region       string   `json:"region,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude    *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

// DocumentRegisterOptions registers either raw Content or a Fingerprint computed elsewhere.
type DocumentRegisterOptions struct {
	ID                 string `json:"id,omitempty"`
	Type               string `json:"type" validate:"required"`
	FileName           string `json:"file_name" validate:"required"`
	Confidentiality    string `json:"confidentiality" validate:"omitempty,oneof=public internal confidential restricted"`
	Content            []byte `json:"content,omitempty"`
	Fingerprint        string `json:"fingerprint,omitempty" validate:"omitempty,len=64,hexadecimal"`
	FingerprintVersion string `json:"fingerprint_version,omitempty"`
	IssuerPartyID      string `json:"issuer_party_id,omitempty"`
	BatchID            string `json:"batch_id,omitempty"`
	EventID            string `json:"event_id,omitempty"`
}

type QuantityInput struct {
	Weight decimal.Decimal `json:"weight" validate:"gt=0"`
	Unit   string          `json:"unit" validate:"required"`
}

func (q QuantityInput) quantity() domain.Quantity {
	return domain.Quantity{Weight: q.Weight, Unit: q.Unit}
}

type AssayInput struct {
	Element string          `json:"element" validate:"required"`
	Grade   decimal.Decimal `json:"grade" validate:"gte=0"`
	Unit    string          `json:"unit" validate:"required"`
}

func (a *AssayInput) assay() *domain.Assay {
	if a == nil {
		return nil
	}
	return &domain.Assay{Element: a.Element, Grade: a.Grade, Unit: a.Unit}
}

type BatchCreateOptions struct {
	ID                string        `json:"id,omitempty"`
	ExternalReference string        `json:"external_reference" validate:"required"`
	CommodityType     string        `json:"commodity_type" validate:"required"`
	OriginFacilityID  string        `json:"origin_facility_id" validate:"required"`
	OwnerPartyID      string        `json:"owner_party_id" validate:"required"`
	Quantity          QuantityInput `json:"quantity"`
	DeclaredAssay     *AssayInput   `json:"declared_assay,omitempty" validate:"omitempty"`
	DocumentIDs       []string      `json:"document_ids,omitempty" validate:"omitempty,dive,required"`
	// OccurredAt is RFC 3339; empty means now.
	OccurredAt string `json:"occurred_at,omitempty"`
}

type EventAppendOptions struct {
	BatchID        string         `json:"batch_id" validate:"required"`
	Type           string         `json:"type" validate:"required,oneof=Ship Transfer Receive InspectTest AssayFinalized Dispute Resolve"`
	OccurredAt     string         `json:"occurred_at,omitempty"`
	FromPartyID    string         `json:"from_party_id,omitempty"`
	ToPartyID      string         `json:"to_party_id,omitempty"`
	FromFacilityID string         `json:"from_facility_id,omitempty"`
	ToFacilityID   string         `json:"to_facility_id,omitempty"`
	Quantity       *QuantityInput `json:"quantity,omitempty" validate:"omitempty"`
	Assay          *AssayInput    `json:"assay,omitempty" validate:"omitempty"`
	DocumentIDs    []string       `json:"document_ids,omitempty" validate:"omitempty,dive,required"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
