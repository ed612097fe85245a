package openai

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drfirst/go-ndc/internal/ndc"
	"github.com/drfirst/go-ndc/internal/recommender"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "sk-test"
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testRequest() *recommender.Request {
	return &recommender.Request{
		DrugID:           "314076",
		DrugName:         "lisinopril 10 MG Oral Tablet",
		RequiredQuantity: 60,
		Unit:             "tablet",
		DaysSupply:       30,
		Candidates: []ndc.Package{
			{Code: "00071-0222-60", SizeQuantity: 60, SizeUnit: "TABLET", IsActive: true},
			{Code: "00071-0222-90", SizeQuantity: 90, SizeUnit: "TABLET", IsActive: false},
		},
	}
}

func TestRecommend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		var input promptInput
		if err := json.Unmarshal([]byte(req.Messages[1].Content), &input); err != nil {
			t.Fatal(err)
		}
		if len(input.Candidates) != 1 {
			t.Errorf("inactive candidate sent to model: %+v", input.Candidates)
		}
		w.Write([]byte(`{
			"model":"gpt-4o-mini-2024-07-18",
			"choices":[{"message":{"role":"assistant","content":"{\"selections\":[{\"code\":\"00071-0222-60\",\"count\":1}],\"reasoning\":\"exact match\"}"}}],
			"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}
		}`))
	})

	answer, err := c.Recommend(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Selections) != 1 || answer.Selections[0].Count != 1 || answer.Reasoning != "exact match" {
		t.Errorf("answer = %+v", answer)
	}
	if answer.Usage.TotalTokens != 1500 || answer.Usage.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("usage = %+v", answer.Usage)
	}
	if math.Abs(answer.Usage.CostUSD-0.00045) > 1e-12 {
		t.Errorf("cost = %v, want 0.00045", answer.Usage.CostUSD)
	}
}

func TestRecommendMalformedContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"sorry, I cannot"}}]}`))
	})
	_, err := c.Recommend(context.Background(), testRequest())
	if !errors.Is(err, recommender.ErrInvalidResponse) {
		t.Errorf("err = %v", err)
	}
}

func TestRecommendNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	if _, err := c.Recommend(context.Background(), testRequest()); !errors.Is(err, recommender.ErrInvalidResponse) {
		t.Errorf("err = %v", err)
	}
}

func TestRecommendUpstreamError(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.Recommend(context.Background(), testRequest()); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("AI call retried %d times", calls)
	}
}

func TestEnabled(t *testing.T) {
	c, err := New(Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Error("enabled without API key")
	}
	c, _ = New(Config{Enabled: false, APIKey: "sk"}, nil)
	if c.Enabled() {
		t.Error("enabled with feature off")
	}
}
