package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodyline/internal/anchor"
	"custodyline/internal/canon"
	"custodyline/internal/custody"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/fingerprint"
	"custodyline/internal/lock"
	"custodyline/internal/store"
	"custodyline/internal/verify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Registry is served at /metrics when set.
	Registry *prometheus.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"Receive not allowed from Created"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"Created\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Custodyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Custodyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))
	}
	registerHealth(group)
	registerParties(group, cfg.Engine)
	registerFacilities(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerBatches(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAnchors(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerFingerprints(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var te *custody.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"from": te.From, "action": te.Action})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if len(ve.Fields) > 0 {
			details = map[string]any{"fields": ve.Fields}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, details)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrAnchoringDisabled):
		return newAPIError(http.StatusConflict, "anchoring_disabled", msg, nil)
	case errors.Is(err, canon.ErrEncoding):
		return newAPIError(http.StatusBadRequest, "encoding_error", msg, nil)
	case errors.Is(err, fingerprint.ErrUnknownVersion), errors.Is(err, fingerprint.ErrMalformed):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, anchor.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "anchor_unavailable", msg, nil)
	case errors.Is(err, lock.ErrNotObtained):
		return newAPIError(http.StatusServiceUnavailable, "", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Custodyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerParties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-party",
		Method:        http.MethodPost,
		Path:          "/parties",
		Summary:       "Register a supply chain party",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePartyRequest `json:"body"`
	}) (*struct {
		Body domain.Party `json:"body"`
	}, error) {
		p, err := e.CreateParty(ctx, engine.PartyCreateOptions{
			ID:      input.Body.ID,
			Name:    input.Body.Name,
			Type:    input.Body.Type,
			Country: input.Body.Country,
			Contact: input.Body.Contact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Party `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parties",
		Method:      http.MethodGet,
		Path:        "/parties",
		Summary:     "List parties",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body partyList `json:"body"`
	}, error) {
		items, err := e.ListParties(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body partyList `json:"body"`
		}{Body: partyList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-party",
		Method:      http.MethodGet,
		Path:        "/parties/{party_id}",
		Summary:     "Get party",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PartyID string `path:"party_id"`
	}) (*struct {
		Body domain.Party `json:"body"`
	}, error) {
		p, err := e.GetParty(ctx, input.PartyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Party `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-party-contact",
		Method:      http.MethodPatch,
		Path:        "/parties/{party_id}/contact",
		Summary:     "Replace or clear a party's contact",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		PartyID string               `path:"party_id"`
		Body    UpdateContactRequest `json:"body"`
	}) (*struct {
		Body domain.Party `json:"body"`
	}, error) {
		p, err := e.UpdatePartyContact(ctx, input.PartyID, engine.ContactUpdateOptions{
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Phone: input.Body.Phone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Party `json:"body"`
		}{Body: p}, nil
	})
}

func registerFacilities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-facility",
		Method:        http.MethodPost,
		Path:          "/facilities",
		Summary:       "Register a facility",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateFacilityRequest `json:"body"`
	}) (*struct {
		Body domain.Facility `json:"body"`
	}, error) {
		f, err := e.CreateFacility(ctx, engine.FacilityCreateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			Type:         input.Body.Type,
			OwnerPartyID: input.Body.OwnerPartyID,
			Country:      input.Body.Country,
			Region:       input.Body.Region,
			Latitude:     input.Body.Latitude,
			Longitude:    input.Body.Longitude,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Facility `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facilities",
		Method:      http.MethodGet,
		Path:        "/facilities",
		Summary:     "List facilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body facilityList `json:"body"`
	}, error) {
		items, err := e.ListFacilities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body facilityList `json:"body"`
		}{Body: facilityList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-facility",
		Method:      http.MethodGet,
		Path:        "/facilities/{facility_id}",
		Summary:     "Get facility",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FacilityID string `path:"facility_id"`
	}) (*struct {
		Body domain.Facility `json:"body"`
	}, error) {
		f, err := e.GetFacility(ctx, input.FacilityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Facility `json:"body"`
		}{Body: f}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Register document metadata and fingerprint",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		d, err := e.RegisterDocument(ctx, engine.DocumentRegisterOptions{
			ID:                 input.Body.ID,
			Type:               input.Body.Type,
			FileName:           input.Body.FileName,
			Confidentiality:    input.Body.Confidentiality,
			Content:            input.Body.Content,
			Fingerprint:        input.Body.Fingerprint,
			FingerprintVersion: input.Body.FingerprintVersion,
			IssuerPartyID:      input.Body.IssuerPartyID,
			BatchID:            input.Body.BatchID,
			EventID:            input.Body.EventID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body documentList `json:"body"`
	}, error) {
		items, err := e.ListDocuments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body documentList `json:"body"`
		}{Body: documentList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		d, err := e.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/verify",
		Summary:     "Compare content with a document's stored fingerprint",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string                `path:"document_id"`
		Body       VerifyDocumentRequest `json:"body"`
	}) (*struct {
		Body verify.DocumentReport `json:"body"`
	}, error) {
		report, err := e.VerifyDocument(ctx, input.DocumentID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verify.DocumentReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create a batch with its Create event",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		opts, err := input.Body.options()
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.CreateBatch(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExternalReference string `query:"external_reference" doc:"Return only the batch with this reference."`
	}) (*struct {
		Body batchList `json:"body"`
	}, error) {
		if input.ExternalReference != "" {
			b, err := e.GetBatchByReference(ctx, input.ExternalReference)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body batchList `json:"body"`
			}{Body: batchList{Items: []domain.Batch{b}}}, nil
		}
		items, err := e.ListBatches(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body batchList `json:"body"`
		}{Body: batchList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		b, err := e.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/close",
		Summary:     "Close a received batch",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		b, err := e.CloseBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-event",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/events",
		Summary:       "Append a custody event",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusServiceUnavailable}, writeErrors...),
	}, func(ctx context.Context, input *struct {
		BatchID string             `path:"batch_id"`
		Body    AppendEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		opts, err := input.Body.options(input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		ev, err := e.AppendEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/events",
		Summary:     "List a batch's events in sequence order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		ev, err := e.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})
}

func registerAnchors(api huma.API, e engine.Engine) {
	anchorErrors := []int{http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable}
	respond := func(ctx context.Context, rec domain.AnchorRecord) (*struct {
		Body anchorResponse `json:"body"`
	}, error) {
		attempts, err := e.AnchorAttempts(ctx, rec.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body anchorResponse `json:"body"`
		}{Body: anchorResponse{Record: rec, Attempts: nonNilSlice(attempts)}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "anchor-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/anchor",
		Summary:     "Anchor the batch fingerprint",
		Errors:      anchorErrors,
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body anchorResponse `json:"body"`
	}, error) {
		rec, err := e.AnchorBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ctx, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "anchor-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/anchor",
		Summary:     "Anchor an event fingerprint",
		Errors:      anchorErrors,
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body anchorResponse `json:"body"`
	}, error) {
		rec, err := e.AnchorEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ctx, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-anchor",
		Method:      http.MethodGet,
		Path:        "/anchors/{subject_id}",
		Summary:     "Get the anchor record and attempt journal of a batch or event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectID string `path:"subject_id"`
	}) (*struct {
		Body anchorResponse `json:"body"`
	}, error) {
		rec, err := e.GetAnchor(ctx, input.SubjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ctx, rec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-anchors",
		Method:      http.MethodPost,
		Path:        "/anchors/reconcile",
		Summary:     "Re-check pending anchors and resubmit unconfirmed ones",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body anchor.ReconcileReport `json:"body"`
	}, error) {
		report, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body anchor.ReconcileReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/verify",
		Summary:     "Recompute and compare every fingerprint of a batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body verifyResponse `json:"body"`
	}, error) {
		report, err := e.VerifyBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verifyResponse `json:"body"`
		}{Body: verifyResponse{BatchReport: report, MismatchCount: report.Mismatches()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-all",
		Method:      http.MethodGet,
		Path:        "/verify",
		Summary:     "Verify every batch",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []verifyResponse `json:"items"`
		} `json:"body"`
	}, error) {
		reports, err := e.VerifyAll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []verifyResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]verifyResponse, 0, len(reports))
		for _, r := range reports {
			out.Body.Items = append(out.Body.Items, verifyResponse{BatchReport: r, MismatchCount: r.Mismatches()})
		}
		return out, nil
	})
}

func registerFingerprints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compute-fingerprint",
		Method:      http.MethodPost,
		Path:        "/fingerprints",
		Summary:     "Canonicalize and fingerprint an arbitrary record",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct {
		Body FingerprintRequest `json:"body"`
	}) (*struct {
		Body FingerprintResponse `json:"body"`
	}, error) {
		raw, ok := rawBodyMap(ctx)["record"]
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "record is required", nil)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var record any
		if err := dec.Decode(&record); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "record is not valid JSON", nil)
		}
		canonical, err := e.Canonical(record)
		if err != nil {
			return nil, handleError(err)
		}
		fp, err := e.ComputeFingerprint(record)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FingerprintResponse `json:"body"`
		}{Body: FingerprintResponse{
			Fingerprint: fp.Hex(),
			Version:     string(fp.Version),
			Display:     fp.Display(),
			Canonical:   string(canonical),
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}
