package custodylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Custodyline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Quantity carries decimals as strings so no precision is lost.
type Quantity struct {
	Weight string `json:"weight"`
	Unit   string `json:"unit"`
}

type Assay struct {
	Element string `json:"element"`
	Grade   string `json:"grade"`
	Unit    string `json:"unit"`
}

type Party struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Country string `json:"country"`
}

type Facility struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	OwnerPartyID string `json:"owner_party_id"`
	Country      string `json:"country"`
}

// Anchor is the anchor state attached to a batch or event (partial).
type Anchor struct {
	Status      string `json:"status"`
	Gateway     string `json:"gateway"`
	ExternalRef string `json:"external_ref"`
	Simulated   bool   `json:"simulated"`
}

// Batch represents the API batch model (partial).
type Batch struct {
	ID                string   `json:"id"`
	ExternalReference string   `json:"external_reference"`
	CommodityType     string   `json:"commodity_type"`
	OwnerPartyID      string   `json:"owner_party_id"`
	Status            string   `json:"status"`
	Quantity          Quantity `json:"quantity"`
	EventIDs          []string `json:"event_ids"`
	Fingerprint       string   `json:"fingerprint"`
	Anchor            *Anchor  `json:"anchor,omitempty"`
}

// Event represents a custody event (partial).
type Event struct {
	ID          string  `json:"id"`
	BatchID     string  `json:"batch_id"`
	Type        string  `json:"type"`
	Sequence    int64   `json:"sequence"`
	Timestamp   string  `json:"timestamp"`
	FromPartyID *string `json:"from_party_id,omitempty"`
	ToPartyID   *string `json:"to_party_id,omitempty"`
	Fingerprint string  `json:"fingerprint"`
	Anchor      *Anchor `json:"anchor,omitempty"`
}

type NewBatch struct {
	ID                string   `json:"id,omitempty"`
	ExternalReference string   `json:"external_reference"`
	CommodityType     string   `json:"commodity_type"`
	OriginFacilityID  string   `json:"origin_facility_id"`
	OwnerPartyID      string   `json:"owner_party_id"`
	Quantity          Quantity `json:"quantity"`
	DeclaredAssay     *Assay   `json:"declared_assay,omitempty"`
	DocumentIDs       []string `json:"document_ids,omitempty"`
	OccurredAt        string   `json:"occurred_at,omitempty"`
}

type NewEvent struct {
	Type           string    `json:"type"`
	OccurredAt     string    `json:"occurred_at,omitempty"`
	FromPartyID    string    `json:"from_party_id,omitempty"`
	ToPartyID      string    `json:"to_party_id,omitempty"`
	FromFacilityID string    `json:"from_facility_id,omitempty"`
	ToFacilityID   string    `json:"to_facility_id,omitempty"`
	Quantity       *Quantity `json:"quantity,omitempty"`
	Assay          *Assay    `json:"assay,omitempty"`
	DocumentIDs    []string  `json:"document_ids,omitempty"`
}

// Report is a batch verification result (partial).
type Report struct {
	BatchID               string `json:"batch_id"`
	OverallValid          bool   `json:"overall_valid"`
	BatchFingerprintValid bool   `json:"batch_fingerprint_valid"`
	EventCount            int    `json:"event_count"`
	MismatchCount         int    `json:"mismatch_count"`
	VerifiedAt            string `json:"verified_at"`
}

type Fingerprint struct {
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
	Display     string `json:"display"`
	Canonical   string `json:"canonical"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateParty(ctx context.Context, p Party) (Party, error) {
	var resp Party
	err := c.do(ctx, http.MethodPost, "parties", p, &resp)
	return resp, err
}

func (c *Client) CreateFacility(ctx context.Context, f Facility) (Facility, error) {
	var resp Facility
	err := c.do(ctx, http.MethodPost, "facilities", f, &resp)
	return resp, err
}

// CreateBatch creates a batch together with its Create event.
func (c *Client) CreateBatch(ctx context.Context, b NewBatch) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "batches", b, &resp)
	return resp, err
}

func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// BatchByReference looks a batch up by its external reference.
func (c *Client) BatchByReference(ctx context.Context, ref string) (Batch, error) {
	var resp struct {
		Items []Batch `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "batches?external_reference="+url.QueryEscape(ref), nil, &resp); err != nil {
		return Batch{}, err
	}
	if len(resp.Items) == 0 {
		return Batch{}, &APIError{StatusCode: http.StatusNotFound, Code: "not_found", Message: "no batch with reference " + ref}
	}
	return resp.Items[0], nil
}

// AppendEvent appends a custody event to a batch.
func (c *Client) AppendEvent(ctx context.Context, batchID string, ev NewEvent) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "batches/"+url.PathEscape(batchID)+"/events", ev, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, batchID string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(batchID)+"/events", nil, &resp)
	return resp.Items, err
}

func (c *Client) CloseBatch(ctx context.Context, id string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "batches/"+url.PathEscape(id)+"/close", nil, &resp)
	return resp, err
}

// Verify recomputes every fingerprint of a batch on the server.
func (c *Client) Verify(ctx context.Context, batchID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(batchID)+"/verify", nil, &resp)
	return resp, err
}

// Fingerprint canonicalizes record server side. Pass json.RawMessage to keep number literals.
func (c *Client) Fingerprint(ctx context.Context, record any) (Fingerprint, error) {
	var resp Fingerprint
	err := c.do(ctx, http.MethodPost, "fingerprints", map[string]any{"record": record}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
