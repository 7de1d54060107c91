package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"golang.org/x/time/rate"
)

const NVDEndpoint = "https://services.nvd.nist.gov/rest/json/%s/2.0"

type NVDCVEResponse struct {
	ResultsPerPage  int             `json:"resultsPerPage"`
	StartIndex      int             `json:"startIndex"`
	TotalResults    int             `json:"totalResults"`
	Format          string          `json:"format"`
	Version         string          `json:"version"`
	Timestamp       string          `json:"timestamp"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

type Vulnerability struct {
	CVE CVE `json:"cve"`
}

type CVE struct {
	ID               string       `json:"id"`
	SourceIdentifier string       `json:"sourceIdentifier"`
	Published        string       `json:"published"`
	VulnStatus       string       `json:"vulnStatus"`
	Descriptions     Descriptions `json:"descriptions"`
	Metrics          Metric       `json:"metrics"`
}

type Descriptions []Description

func (d Descriptions) SelectLang(lang string) optional.Option[Description] {
	for _, description := range d {
		if description.Lang == lang {
			return optional.Some(description)
		}
	}
	return optional.None[Description]()
}

type Description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type CvssMetricsV3 []CvssMetricV3

func (c CvssMetricsV3) SelectByType(typ string) optional.Option[CvssMetricV3] {
	for _, metric := range c {
		if metric.Type == typ {
			return optional.Some(metric)
		}
	}
	return optional.None[CvssMetricV3]()
}

type CvssMetricsV2 []CvssMetricV2

func (c CvssMetricsV2) SelectByType(typ string) optional.Option[CvssMetricV2] {
	for _, metric := range c {
		if metric.Type == typ {
			return optional.Some(metric)
		}
	}
	return optional.None[CvssMetricV2]()
}

type Metric struct {
	CvssMetricV31 CvssMetricsV3 `json:"cvssMetricV31"`
	CvssMetricV30 CvssMetricsV3 `json:"cvssMetricV30"`
	CvssMetricV2  CvssMetricsV2 `json:"cvssMetricV2"`
}

type CvssMetricV3 struct {
	Source   string   `json:"source"`
	Type     string   `json:"type"`
	CvssData CvssData `json:"cvssData"`
}

// CvssMetricV2 carries the severity next to cvssData, unlike version 3.
type CvssMetricV2 struct {
	Source       string   `json:"source"`
	Type         string   `json:"type"`
	CvssData     CvssData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity"`
}

type CvssData struct {
	Version      string      `json:"version"`
	VectorString string      `json:"vectorString"`
	BaseScore    json.Number `json:"baseScore"`
	BaseSeverity string      `json:"baseSeverity"`
}

const (
	NVDMaxPageSize = 2000
	// NVDMaxPubRange is the longest publication window a single request
	// may cover.
	NVDMaxPubRange = 120 * 24 * time.Hour
)

type APIv2 struct {
	once     sync.Once
	Endpoint string
	APIKey   string
	Client   *http.Client
	// Limiter paces requests. A nil Limiter is set up for the public rate
	// limit, or the keyed one when APIKey is set.
	Limiter *rate.Limiter
	// PageSize is the resultsPerPage of paged requests.
	PageSize int
}

func (a *APIv2) init() {
	a.once.Do(func() {
		if a.Endpoint == "" {
			a.Endpoint = NVDEndpoint
		}
		if a.PageSize <= 0 {
			a.PageSize = NVDMaxPageSize
		}
		if a.Client == nil {
			a.Client = &http.Client{Timeout: 30 * time.Second}
		}
		if a.Limiter == nil {
			perWindow := 5
			if a.APIKey != "" {
				perWindow = 50
			}
			a.Limiter = NewNVDLimiter(perWindow)
		}
	})
}

// NewNVDLimiter allows perWindow requests every 30 seconds, which is how the
// NVD expresses its rate limits.
func NewNVDLimiter(perWindow int) *rate.Limiter {
	if perWindow < 1 {
		perWindow = 1
	}
	return rate.NewLimiter(rate.Every(30*time.Second/time.Duration(perWindow)), 1)
}

type RequestOptionsFunc func(url.Values) error

func NoRejected() RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("noRejected", "")
		return nil
	}
}

func CveID(id string) RequestOptionsFunc {
	return func(q url.Values) error {
		if id == "" {
			return fmt.Errorf("empty cve id")
		}
		q.Set("cveId", id)
		return nil
	}
}

func StartIndex(index int) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("startIndex", strconv.Itoa(index))
		return nil
	}
}

func ResultsPerPage(nr int) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("resultsPerPage", strconv.Itoa(nr))
		return nil
	}
}

func PubStart(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("pubStartDate", date.Format(time.RFC3339))
		if q.Get("pubEndDate") == "" {
			q.Set("pubEndDate", date.Add(24*time.Hour).Format(time.RFC3339))
		}
		return nil
	}
}

func PubEnd(date time.Time) RequestOptionsFunc {
	return func(q url.Values) error {
		q.Set("pubEndDate", date.Format(time.RFC3339))
		if q.Get("pubStartDate") == "" {
			q.Set("pubStartDate", date.Add(-24*time.Hour).Format(time.RFC3339))
		}
		return nil
	}
}

func buildUrl(endpoint, api string, options []RequestOptionsFunc) (string, error) {
	apiUrl, err := url.Parse(fmt.Sprintf(endpoint, api))
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	query := url.Values{}
	for _, option := range options {
		err = option(query)
		if err != nil {
			return "", fmt.Errorf("failed to apply option: %w", err)
		}
	}

	apiUrl.RawQuery = query.Encode()
	return apiUrl.String(), nil
}

func (a *APIv2) GetCVEs(ctx context.Context, options ...RequestOptionsFunc) (*NVDCVEResponse, error) {
	a.init()

	requestUrl, err := buildUrl(a.Endpoint, "cves", options)
	if err != nil {
		return nil, fmt.Errorf("failed to build url: %w", err)
	}

	if err := a.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if a.APIKey != "" {
		req.Header.Set("apiKey", a.APIKey)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failure in HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from nvd: %s", resp.Status)
	}

	decoder := json.NewDecoder(resp.Body)
	nvdResp := &NVDCVEResponse{}
	err = decoder.Decode(nvdResp)

	return nvdResp, err
}
