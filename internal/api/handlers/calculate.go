// Package handlers provides HTTP handlers for the calculator API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/calculator"
	"github.com/drfirst/go-ndc/internal/drug"
	fhir "github.com/drfirst/go-ndc/internal/fhir/r5"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// maxBatchNames bounds a batch resolution request
const maxBatchNames = 50

// Calculator runs dispense calculations
type Calculator interface {
	Calculate(ctx context.Context, req *calculator.Request) (*calculator.Response, error)
}

// BatchResolver resolves many drug names at once
type BatchResolver interface {
	ResolveAll(ctx context.Context, names []string) []drug.BatchResult
}

// CalculateHandler handles calculation and drug resolution endpoints
type CalculateHandler struct {
	calc     Calculator
	resolver BatchResolver
	logger   *zap.Logger
}

// NewCalculateHandler creates a new handler
func NewCalculateHandler(calc Calculator, resolver BatchResolver, logger *zap.Logger) *CalculateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalculateHandler{calc: calc, resolver: resolver, logger: logger}
}

// Routes returns the handler routes
func (h *CalculateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/calculate", h.Calculate)
	r.Post("/calculate/fhir", h.CalculateFHIR)
	r.Post("/drugs/resolve", h.ResolveDrugs)
	return r
}

// Calculate handles POST /calculate
func (h *CalculateHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("calculate-handler").Start(r.Context(), "calculate_request")
	defer span.End()

	var req calculator.Request
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx = calculator.WithRequestID(ctx, middleware.GetRequestID(ctx))
	resp, err := h.calc.Calculate(ctx, &req)
	if err != nil {
		span.SetAttributes(attribute.String("error.code", apperr.From(err).Code))
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CalculateFHIR handles POST /calculate/fhir. Errors are returned as a FHIR
// OperationOutcome.
func (h *CalculateHandler) CalculateFHIR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeOutcome(w, r, apperr.Validation("request body could not be read", nil))
		return
	}
	m, err := fhir.ParseMedicationRequest(body)
	if err != nil {
		h.writeOutcome(w, r, apperr.Validation(err.Error(), nil))
		return
	}
	req, err := calculator.FromMedicationRequest(m)
	if err != nil {
		h.writeOutcome(w, r, err)
		return
	}

	ctx = calculator.WithRequestID(ctx, middleware.GetRequestID(ctx))
	resp, err := h.calc.Calculate(ctx, req)
	if err != nil {
		h.writeOutcome(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResolveRequest is the body of a batch resolution
type ResolveRequest struct {
	Names []string `json:"names"`
}

// ResolveResult is the outcome for one name
type ResolveResult struct {
	Name         string                  `json:"name"`
	Drug         *drug.CanonicalDrug     `json:"drug,omitempty"`
	Alternatives []drug.CanonicalDrug    `json:"alternatives,omitempty"`
	Strategy     string                  `json:"strategy,omitempty"`
	Error        *middleware.ErrorDetail `json:"error,omitempty"`
}

// ResolveResponse is the batch resolution response
type ResolveResponse struct {
	Results []ResolveResult `json:"results"`
}

// ResolveDrugs handles POST /drugs/resolve. Individual failures are reported
// per name; the request as a whole succeeds.
func (h *CalculateHandler) ResolveDrugs(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	problems := map[string]any{}
	if len(req.Names) == 0 {
		problems["names"] = "at least one name is required"
	}
	if len(req.Names) > maxBatchNames {
		problems["names"] = "at most 50 names per request"
	}
	for _, n := range req.Names {
		if strings.TrimSpace(n) == "" {
			problems["names"] = "names must not be blank"
			break
		}
	}
	if len(problems) > 0 {
		h.writeError(w, r, apperr.Validation("invalid resolution request", problems))
		return
	}

	batch := h.resolver.ResolveAll(r.Context(), req.Names)
	resp := ResolveResponse{Results: make([]ResolveResult, 0, len(batch))}
	for _, b := range batch {
		out := ResolveResult{Name: b.Name}
		if b.Err != nil {
			e := apperr.From(b.Err)
			out.Error = &middleware.ErrorDetail{Code: e.Code, Message: e.Message}
		} else {
			d := b.Resolution.Drug
			out.Drug = &d
			out.Alternatives = b.Resolution.Alternatives
			out.Strategy = b.Resolution.Strategy
		}
		resp.Results = append(resp.Results, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", nil)
		}
		return apperr.Validation("request body is not valid JSON", map[string]any{"reason": err.Error()})
	}
	return nil
}

func (h *CalculateHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := apperr.Status(e)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("code", e.Code),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, middleware.ErrorBody{Error: middleware.ErrorDetail{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}})
}

func (h *CalculateHandler) writeOutcome(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := apperr.Status(e)
	if status >= http.StatusInternalServerError {
		h.logger.Error("fhir request failed",
			zap.String("code", e.Code),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fhir.NewErrorOutcome(issueType(e.Kind), e.Code+": "+e.Message))
}

func issueType(k apperr.Kind) string {
	switch k {
	case apperr.KindValidation:
		return fhir.IssueInvalid
	case apperr.KindNotFound:
		return fhir.IssueNotFound
	case apperr.KindBusinessRule:
		return fhir.IssueBusinessRule
	case apperr.KindExternalService:
		return fhir.IssueTransient
	default:
		return fhir.IssueException
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
