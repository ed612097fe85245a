// Package integration exercises the calculator API end to end with real
// components and in-process stand-ins for the public drug APIs.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/api"
	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/calculator"
	"github.com/drfirst/go-ndc/internal/drug"
	fhir "github.com/drfirst/go-ndc/internal/fhir/r5"
	"github.com/drfirst/go-ndc/internal/matcher"
	"github.com/drfirst/go-ndc/internal/ndc"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/recommender"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

const apiKey = "test-api-key"

type nameSearch struct{}

func (nameSearch) ExactMatch(_ context.Context, name string) ([]string, error) {
	if strings.EqualFold(name, "lisinopril") {
		return []string{"314076"}, nil
	}
	return nil, nil
}

func (nameSearch) ApproximateMatch(context.Context, string, int) ([]drug.Candidate, error) {
	return nil, nil
}

func (nameSearch) SpellingSuggestions(_ context.Context, name string) ([]string, error) {
	if strings.EqualFold(name, "lisinoprill") {
		return []string{"lisinopril"}, nil
	}
	return nil, nil
}

func (nameSearch) Properties(_ context.Context, id string) (*drug.Properties, error) {
	if id != "314076" {
		return nil, apperr.NotFound(apperr.CodeDrugNotFound, "no concept "+id)
	}
	return &drug.Properties{ID: id, Name: "lisinopril 10 MG Oral Tablet", TTY: "SCD"}, nil
}

type catalog struct{ calls atomic.Int32 }

func (c *catalog) Packages(_ context.Context, id string) ([]ndc.Package, error) {
	c.calls.Add(1)
	if id != "314076" {
		return nil, nil
	}
	return []ndc.Package{
		{Code: "0071-0222-23", SizeQuantity: 30, SizeUnit: "TABLET", DosageForm: "TABLET", IsActive: true},
		{Code: "00071-0222-60", SizeQuantity: 60, SizeUnit: "TABLET", DosageForm: "TABLET", IsActive: true},
		{Code: "00071-0222-90", SizeQuantity: 90, SizeUnit: "TABLET", DosageForm: "TABLET", IsActive: true},
		{Code: "00071-0222-99", SizeQuantity: 1000, SizeUnit: "TABLET", DosageForm: "TABLET", IsActive: false},
	}, nil
}

// failingAI is configured but never answers
type failingAI struct{ calls atomic.Int32 }

func (*failingAI) Enabled() bool { return true }

func (a *failingAI) Recommend(context.Context, *recommender.Request) (*recommender.AIRecommendation, error) {
	a.calls.Add(1)
	return nil, errors.New("upstream 500")
}

type stack struct {
	server  *httptest.Server
	catalog *catalog
	ai      *failingAI
	calc    *calculator.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	m := metrics.New(nil)
	breakers := circuitbreaker.NewManager(nil, m.BreakerStateChanged)
	breaker, err := breakers.GetOrCreate("openai", circuitbreaker.DefaultConfig("openai"))
	if err != nil {
		t.Fatal(err)
	}

	backend := cache.NewMemoryBackend()
	cat := &catalog{}
	ai := &failingAI{}

	resolverCfg := drug.DefaultConfig()
	resolverCfg.Recorder = m
	resolverCfg.CacheRecorder = m
	resolver := drug.New(nameSearch{}, backend, resolverCfg, nil)

	lookup := calculator.NewPackageLookup(cat, backend, time.Hour, m, nil)
	rec := recommender.New(ai, breaker, matcher.New(matcher.DefaultPolicy(), nil), recommender.DefaultConfig(), nil)

	calcCfg := calculator.DefaultConfig()
	calcCfg.Recorder = m
	calc := calculator.New(resolver, lookup, rec, calcCfg, nil)

	router := api.NewRouter(api.RouterConfig{
		ServiceName: "calculator-api",
		APIKeys:     map[string]string{apiKey: "integration"},
		Limiter:     middleware.NewRateLimiter(1000, 1000),
		Calculate:   handlers.NewCalculateHandler(calc, resolver, nil),
		Health:      handlers.NewHealthHandler("calculator-api", "test", breakers, backend),
		Metrics:     m.Handler(),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		calc.Wait()
	})
	return &stack{server: srv, catalog: cat, ai: ai, calc: calc}
}

func (s *stack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

const lisinoprilBID = `{"drug":{"name":"Lisinopril"},"sig":{"dose":1,"frequency":2,"unit":"tablet"},"daysSupply":30}`

func TestCalculateLisinoprilEndToEnd(t *testing.T) {
	s := newStack(t)

	resp := s.post(t, "/api/v1/calculate", lisinoprilBID)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	var out calculator.Response
	decodeBody(t, resp, &out)
	if out.TotalQuantity != 60 {
		t.Errorf("TotalQuantity = %v, want 60", out.TotalQuantity)
	}
	if len(out.RecommendedPackages) != 1 || out.RecommendedPackages[0].Code != "00071-0222-60" {
		t.Fatalf("packages = %+v", out.RecommendedPackages)
	}
	if out.OverfillPercentage != 0 {
		t.Errorf("OverfillPercentage = %v", out.OverfillPercentage)
	}
	if out.Metadata == nil || out.Metadata.UsedAI || !out.Metadata.AlgorithmicFallback {
		t.Errorf("metadata = %+v, want algorithmic fallback after AI failure", out.Metadata)
	}
}

func TestBreakerOpensAndCalculationsContinue(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 5; i++ {
		resp := s.post(t, "/api/v1/calculate", lisinoprilBID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: status = %d", i+1, resp.StatusCode)
		}
	}
	if got := s.ai.calls.Load(); got != 3 {
		t.Errorf("AI calls = %d, want 3 before the circuit opens", got)
	}
	if got := s.catalog.calls.Load(); got != 1 {
		t.Errorf("catalog calls = %d, packages should be cached", got)
	}

	resp, err := http.Get(s.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health handlers.HealthResponse
	decodeBody(t, resp, &health)
	if health.Status != "degraded" || len(health.Breakers) != 1 || health.Breakers[0].State != circuitbreaker.StateOpen {
		t.Errorf("health = %+v", health)
	}
}

func TestCalculateFHIREndToEnd(t *testing.T) {
	s := newStack(t)

	body := `{
		"resourceType": "MedicationRequest",
		"status": "active",
		"intent": "order",
		"medication": {"concept": {"coding": [{"system": "` + fhir.SystemRxNorm + `", "code": "314076"}]}},
		"dosageInstruction": [{
			"timing": {"repeat": {"frequency": 1, "period": 12, "periodUnit": "h"}},
			"doseAndRate": [{"doseQuantity": {"value": 1, "unit": "tablet"}}]
		}],
		"dispenseRequest": {"expectedSupplyDuration": {"value": 45, "unit": "d"}}
	}`
	resp := s.post(t, "/api/v1/calculate/fhir", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out calculator.Response
	decodeBody(t, resp, &out)
	if out.TotalQuantity != 90 || out.RecommendedPackages[0].Code != "00071-0222-90" {
		t.Errorf("response = %+v", out)
	}
}

func TestErrorsEndToEnd(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown drug", `{"drug":{"name":"zzzzzz"},"sig":{"dose":1,"frequency":1,"unit":"tablet"},"daysSupply":30}`,
			http.StatusNotFound, apperr.CodeDrugNotFound},
		{"days supply out of range", `{"drug":{"name":"Lisinopril"},"sig":{"dose":1,"frequency":1,"unit":"tablet"},"daysSupply":400}`,
			http.StatusBadRequest, apperr.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.post(t, "/api/v1/calculate", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body middleware.ErrorBody
			decodeBody(t, resp, &body)
			if body.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestAuthAndMetrics(t *testing.T) {
	s := newStack(t)

	resp, err := http.Post(s.server.URL+"/api/v1/calculate", "application/json", strings.NewReader(lisinoprilBID))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without key = %d", resp.StatusCode)
	}

	s.post(t, "/api/v1/calculate", lisinoprilBID)

	resp, err = http.Get(s.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"ndc_calculations_total", "ndc_name_resolutions_total", "circuit_breaker_state"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
