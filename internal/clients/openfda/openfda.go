// Package openfda implements the package catalog against the openFDA NDC
// directory.
package openfda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/apperr"
	"github.com/drfirst/go-ndc/internal/clients"
	"github.com/drfirst/go-ndc/internal/ndc"
)

// DefaultBaseURL is the public openFDA endpoint
const DefaultBaseURL = "https://api.fda.gov"

const (
	service    = "openfda"
	pageLimit  = 100
	dateLayout = "20060102"
)

// Client looks up packages by RxCUI
type Client struct {
	http   *clients.Client
	apiKey string
	logger *zap.Logger
	now    func() time.Time
}

// New creates an openFDA client. apiKey is optional.
func New(cfg clients.Config, apiKey string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c, err := clients.New(service, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Client{http: c, apiKey: apiKey, logger: logger, now: time.Now}, nil
}

type ndcResponse struct {
	Results []product `json:"results"`
}

type product struct {
	ProductNDC            string      `json:"product_ndc"`
	GenericName           string      `json:"generic_name"`
	BrandName             string      `json:"brand_name"`
	DosageForm            string      `json:"dosage_form"`
	MarketingCategory     string      `json:"marketing_category"`
	ListingExpirationDate string      `json:"listing_expiration_date"`
	MarketingEndDate      string      `json:"marketing_end_date"`
	Packaging             []packaging `json:"packaging"`
}

type packaging struct {
	PackageNDC         string `json:"package_ndc"`
	Description        string `json:"description"`
	MarketingStartDate string `json:"marketing_start_date"`
	MarketingEndDate   string `json:"marketing_end_date"`
}

// Packages returns every package listed for the RxCUI, active or not. Codes
// are returned as listed; callers normalize them. An unknown RxCUI yields an
// empty slice.
func (c *Client) Packages(ctx context.Context, rxcui string) ([]ndc.Package, error) {
	q := url.Values{
		"search": {fmt.Sprintf(`openfda.rxcui:"%s"`, rxcui)},
		"limit":  {strconv.Itoa(pageLimit)},
	}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}

	var resp ndcResponse
	if err := c.http.GetJSON(ctx, "drug/ndc.json", q, &resp); err != nil {
		// openFDA answers 404 when a search matches nothing
		if clients.IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, apperr.ExternalService(service, err)
	}

	now := c.now()
	var out []ndc.Package
	for _, p := range resp.Results {
		productActive := !expired(p.ListingExpirationDate, now) && !expired(p.MarketingEndDate, now)
		for _, pkg := range p.Packaging {
			size, unit := ParsePackageSize(pkg.Description)
			if size <= 0 {
				c.logger.Debug("package size unparseable",
					zap.String("ndc", pkg.PackageNDC),
					zap.String("description", pkg.Description))
			}
			out = append(out, ndc.Package{
				Code:            pkg.PackageNDC,
				SizeQuantity:    size,
				SizeUnit:        unit,
				DosageForm:      p.DosageForm,
				IsActive:        productActive && !expired(pkg.MarketingEndDate, now),
				MarketingStatus: p.MarketingCategory,
				Description:     pkg.Description,
			})
		}
	}
	return out, nil
}

// expired reports whether a YYYYMMDD date lies before now. Missing or
// unparseable dates are not expired.
func expired(date string, now time.Time) bool {
	if date == "" {
		return false
	}
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	return t.Before(now)
}

var segmentPattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s+([A-Za-z][A-Za-z ,-]*?)\s+in\s+`)

var trailingCode = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// ParsePackageSize extracts the dispensable quantity from a packaging
// description. Nested packaging ("10 BLISTER PACK in 1 CARTON > 10 TABLET in
// 1 BLISTER PACK") multiplies through to the innermost unit.
func ParsePackageSize(description string) (float64, string) {
	segments := strings.Split(description, ">")
	total := 1.0
	unit := ""
	for _, seg := range segments {
		seg = trailingCode.ReplaceAllString(seg, "")
		m := segmentPattern.FindStringSubmatch(seg)
		if m == nil {
			return 0, ""
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil || n <= 0 {
			return 0, ""
		}
		total *= n
		unit = m[2]
	}
	if i := strings.IndexByte(unit, ','); i >= 0 {
		unit = unit[:i]
	}
	return total, strings.ToUpper(strings.TrimSpace(unit))
}
