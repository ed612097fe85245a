// Package rxnorm implements drug name search against the NLM RxNav REST API.
package rxnorm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/clients"
	"github.com/drfirst/go-ndc/internal/drug"
)

// DefaultBaseURL is the public RxNav endpoint
const DefaultBaseURL = "https://rxnav.nlm.nih.gov/REST"

const service = "rxnorm"

// Client is a drug.NameSearch backed by RxNav
type Client struct {
	http *clients.Client
}

var _ drug.NameSearch = (*Client)(nil)

// New creates an RxNav client
func New(cfg clients.Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c, err := clients.New(service, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

type idGroupResponse struct {
	IDGroup struct {
		Name     string   `json:"name"`
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

// ExactMatch returns RxCUIs whose normalized name matches name
func (c *Client) ExactMatch(ctx context.Context, name string) ([]string, error) {
	var resp idGroupResponse
	q := url.Values{"name": {name}, "search": {"2"}}
	if err := c.http.GetJSON(ctx, "rxcui.json", q, &resp); err != nil {
		return nil, wrap(err)
	}
	return nonEmpty(resp.IDGroup.RxNormID), nil
}

type approximateResponse struct {
	ApproximateGroup struct {
		Candidate []struct {
			RxCUI  string `json:"rxcui"`
			Score  string `json:"score"`
			Rank   string `json:"rank"`
			Source string `json:"source"`
		} `json:"candidate"`
	} `json:"approximateGroup"`
}

// ApproximateMatch returns ranked fuzzy candidates. Candidates from other
// vocabularies without an RxCUI are dropped.
func (c *Client) ApproximateMatch(ctx context.Context, term string, max int) ([]drug.Candidate, error) {
	var resp approximateResponse
	q := url.Values{"term": {term}, "maxEntries": {strconv.Itoa(max)}, "option": {"1"}}
	if err := c.http.GetJSON(ctx, "approximateTerm.json", q, &resp); err != nil {
		return nil, wrap(err)
	}

	out := make([]drug.Candidate, 0, len(resp.ApproximateGroup.Candidate))
	for _, cand := range resp.ApproximateGroup.Candidate {
		if cand.RxCUI == "" {
			continue
		}
		if cand.Source != "" && !strings.EqualFold(cand.Source, "RXNORM") {
			continue
		}
		rank, _ := strconv.Atoi(strings.TrimSpace(cand.Rank))
		out = append(out, drug.Candidate{
			ID:    cand.RxCUI,
			Score: clients.ParseFloat(cand.Score),
			Rank:  rank,
		})
	}
	return out, nil
}

type spellingResponse struct {
	SuggestionGroup struct {
		SuggestionList struct {
			Suggestion []string `json:"suggestion"`
		} `json:"suggestionList"`
	} `json:"suggestionGroup"`
}

// SpellingSuggestions returns corrected spellings for name
func (c *Client) SpellingSuggestions(ctx context.Context, name string) ([]string, error) {
	var resp spellingResponse
	if err := c.http.GetJSON(ctx, "spellingsuggestions.json", url.Values{"name": {name}}, &resp); err != nil {
		return nil, wrap(err)
	}
	return nonEmpty(resp.SuggestionGroup.SuggestionList.Suggestion), nil
}

type propertiesResponse struct {
	Properties *struct {
		RxCUI   string `json:"rxcui"`
		Name    string `json:"name"`
		Synonym string `json:"synonym"`
		TTY     string `json:"tty"`
	} `json:"properties"`
}

// Properties fetches the concept attributes of id
func (c *Client) Properties(ctx context.Context, id string) (*drug.Properties, error) {
	var resp propertiesResponse
	path := "rxcui/" + url.PathEscape(id) + "/properties.json"
	if err := c.http.GetJSON(ctx, path, nil, &resp); err != nil {
		if clients.IsStatus(err, http.StatusNotFound) {
			return nil, notFound(id)
		}
		return nil, wrap(err)
	}
	if resp.Properties == nil || resp.Properties.Name == "" {
		return nil, notFound(id)
	}

	p := &drug.Properties{
		ID:   resp.Properties.RxCUI,
		Name: resp.Properties.Name,
		TTY:  resp.Properties.TTY,
	}
	if p.ID == "" {
		p.ID = id
	}
	if s := strings.TrimSpace(resp.Properties.Synonym); s != "" {
		p.Synonyms = []string{s}
	}
	return p, nil
}

func notFound(id string) error {
	return apperr.NotFound(apperr.CodeDrugNotFound, fmt.Sprintf("no RxNorm concept %s", id))
}

func wrap(err error) error {
	return apperr.ExternalService(service, err)
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
