// Package custody builds fingerprint payloads for batches and events and enforces the
// batch status machine.
//
// The two payloads deliberately treat missing values differently. An event payload
// always carries its ten fields and writes an unsupplied optional as null, because
// "nothing was supplied" is part of the provenance record. A batch payload omits
// anything that is missing.
package custody

import (
	"custodyline/internal/domain"
	"custodyline/internal/fingerprint"
)

// EventPayload is the record fingerprinted for an event.
func EventPayload(ev domain.Event) map[string]any {
	return map[string]any{
		"eventId":        ev.ID,
		"eventType":      string(ev.Type),
		"timestamp":      ev.Timestamp,
		"batchId":        ev.BatchID,
		"fromPartyId":    stringOrNull(ev.FromPartyID),
		"toPartyId":      stringOrNull(ev.ToPartyID),
		"fromFacilityId": stringOrNull(ev.FromFacilityID),
		"toFacilityId":   stringOrNull(ev.ToFacilityID),
		"quantity":       quantityOrNull(ev.Quantity),
		"documentIds":    idsOrNull(ev.DocumentIDs),
	}
}

// BatchPayload is the record fingerprinted for a batch.
func BatchPayload(b domain.Batch) map[string]any {
	p := map[string]any{}
	putString(p, "batchId", b.ID)
	putString(p, "externalReferenceNumber", b.ExternalReference)
	putString(p, "commodityType", b.CommodityType)
	putString(p, "originFacilityId", b.OriginFacilityID)
	putString(p, "ownerPartyId", b.OwnerPartyID)
	putString(p, "creationTimestamp", b.CreatedAt)
	if b.Quantity.Unit != "" {
		p["quantity"] = quantityPayload(b.Quantity)
	}
	if b.DeclaredAssay != nil {
		p["declaredAssay"] = map[string]any{
			"element": b.DeclaredAssay.Element,
			"grade":   b.DeclaredAssay.Grade,
			"unit":    b.DeclaredAssay.Unit,
		}
	}
	return p
}

// FingerprintEvent computes ev's fingerprint under suite s.
func FingerprintEvent(s fingerprint.Suite, ev domain.Event) (fingerprint.Fingerprint, error) {
	return s.Fingerprint(EventPayload(ev))
}

// FingerprintBatch computes b's fingerprint under suite s.
func FingerprintBatch(s fingerprint.Suite, b domain.Batch) (fingerprint.Fingerprint, error) {
	return s.Fingerprint(BatchPayload(b))
}

// Seal fingerprints ev and records the digest and version on it.
func Seal(s fingerprint.Suite, ev domain.Event) (domain.Event, error) {
	fp, err := FingerprintEvent(s, ev)
	if err != nil {
		return ev, err
	}
	ev.Fingerprint = fp.Hex()
	ev.FingerprintVersion = string(fp.Version)
	return ev, nil
}

// SealBatch fingerprints b and records the digest and version on it.
func SealBatch(s fingerprint.Suite, b domain.Batch) (domain.Batch, error) {
	fp, err := FingerprintBatch(s, b)
	if err != nil {
		return b, err
	}
	b.Fingerprint = fp.Hex()
	b.FingerprintVersion = string(fp.Version)
	return b, nil
}

func stringOrNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func quantityOrNull(q *domain.Quantity) any {
	if q == nil {
		return nil
	}
	return quantityPayload(*q)
}

func quantityPayload(q domain.Quantity) map[string]any {
	return map[string]any{"weight": q.Weight, "unit": q.Unit}
}

func idsOrNull(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func putString(p map[string]any, key, v string) {
	if v != "" {
		p[key] = v
	}
}
