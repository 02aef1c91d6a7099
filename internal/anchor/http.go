package anchor

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"custodyline/internal/fingerprint"
)

// HTTPGateway talks to a remote anchoring service:
//
//	POST {base}/anchors        {"subject_id","fingerprint","version"} -> {"external_ref","accepted","block_number"}
//	GET  {base}/anchors/{ref}  -> {"confirmed","block_number"}
//
// Every request carries a short-lived HS256 bearer token.
type HTTPGateway struct {
	BaseURL    string
	Secret     []byte
	Issuer     string
	TokenTTL   time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

type submitRequest struct {
	SubjectID   string `json:"subject_id"`
	Fingerprint string `json:"fingerprint"`
	Version     string `json:"version"`
}

type submitResponse struct {
	ExternalRef string  `json:"external_ref"`
	Accepted    bool    `json:"accepted"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
}

type confirmationResponse struct {
	Confirmed   bool    `json:"confirmed"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
}

func (g *HTTPGateway) Name() string { return "http" }

func (g *HTTPGateway) Submit(ctx context.Context, subjectID string, fp fingerprint.Fingerprint) (SubmitResult, error) {
	body, err := json.Marshal(submitRequest{SubjectID: subjectID, Fingerprint: fp.Hex(), Version: string(fp.Version)})
	if err != nil {
		return SubmitResult{}, err
	}
	var resp submitResponse
	status, err := g.do(ctx, http.MethodPost, "anchors", body, &resp)
	if err != nil {
		return SubmitResult{}, err
	}
	if status >= 400 {
		return SubmitResult{Accepted: false}, nil
	}
	if resp.Accepted && resp.ExternalRef == "" {
		return SubmitResult{}, errors.Wrap(ErrUnavailable, "accepted submission without external_ref")
	}
	return SubmitResult{ExternalRef: resp.ExternalRef, Accepted: resp.Accepted, BlockNumber: resp.BlockNumber}, nil
}

func (g *HTTPGateway) CheckConfirmation(ctx context.Context, externalRef string) (Confirmation, error) {
	var resp confirmationResponse
	status, err := g.do(ctx, http.MethodGet, "anchors/"+url.PathEscape(externalRef), nil, &resp)
	if err != nil {
		return Confirmation{}, err
	}
	if status == http.StatusNotFound {
		return Confirmation{}, nil
	}
	if status >= 400 {
		return Confirmation{}, errors.Wrapf(ErrUnavailable, "confirmation check: status %d", status)
	}
	return Confirmation{Confirmed: resp.Confirmed, BlockNumber: resp.BlockNumber}, nil
}

func (g *HTTPGateway) token() (string, error) {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	ttl := g.TokenTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	claims := jwt.RegisteredClaims{
		Issuer:    g.Issuer,
		Subject:   "anchor",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.Secret)
}

// do returns the response status for 2xx and 4xx answers. Transport failures and
// 5xx answers are reported as ErrUnavailable.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	token, err := g.token()
	if err != nil {
		return 0, errors.Wrap(err, "sign anchor token")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	endpoint := strings.TrimRight(g.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, errors.Wrap(fmt.Errorf("%w: %v", ErrUnavailable, err), method+" "+endpoint)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, errors.Wrap(fmt.Errorf("%w: %v", ErrUnavailable, err), "read anchor response")
	}
	if res.StatusCode >= 500 {
		return res.StatusCode, errors.Wrapf(ErrUnavailable, "status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if res.StatusCode >= 300 {
		return res.StatusCode, nil
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return 0, errors.Wrap(fmt.Errorf("%w: %v", ErrUnavailable, err), "decode anchor response")
		}
	}
	return res.StatusCode, nil
}
