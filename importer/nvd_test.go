package importer

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulnai/vulnai/vulnai"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const nvdItem = `{
	"id": "CVE-2021-21224",
	"sourceIdentifier": "chrome-cve-admin@google.com",
	"published": "2021-04-26T17:15:08.383",
	"vulnStatus": "Analyzed",
	"descriptions": [
		{"lang": "es", "value": "Confusión de tipos en V8"},
		{"lang": "en", "value": "Type confusion in V8 in Google Chrome"}
	],
	"metrics": {
		"cvssMetricV31": [
			{"source": "other@example.com", "type": "Secondary", "cvssData": {"version": "3.1", "baseScore": 6.5, "baseSeverity": "MEDIUM"}},
			{"source": "nvd@nist.gov", "type": "Primary", "cvssData": {"version": "3.1", "baseScore": 8.8, "baseSeverity": "HIGH"}}
		],
		"cvssMetricV2": [
			{"source": "nvd@nist.gov", "type": "Primary", "cvssData": {"version": "2.0", "baseScore": 6.8}, "baseSeverity": "MEDIUM"}
		]
	}
}`

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := vulnai.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(vulnai.Models()...))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type requestLog struct {
	mu      sync.Mutex
	headers []http.Header
	queries []url.Values
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers = append(l.headers, r.Header.Clone())
	l.queries = append(l.queries, r.URL.Query())
}

func (l *requestLog) allQueries() []url.Values {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]url.Values(nil), l.queries...)
}

func (l *requestLog) all() []http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]http.Header(nil), l.headers...)
}

// newNVDServer serves items for the cveId they are keyed by and an empty
// result for every other id. Without a cveId every item is listed in key
// order, paged by startIndex and resultsPerPage.
func newNVDServer(t *testing.T, items map[string]string) (*APIv2, *requestLog) {
	t.Helper()

	requests := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.add(r)
		if r.URL.Path != "/rest/json/cves/2.0" {
			http.NotFound(w, r)
			return
		}
		query := r.URL.Query()
		vulns := []json.RawMessage{}
		total := 0
		if id := query.Get("cveId"); id != "" {
			if item, ok := items[id]; ok {
				vulns = append(vulns, json.RawMessage(`{"cve": `+item+`}`))
			}
			total = len(vulns)
		} else {
			ids := slices.Sorted(maps.Keys(items))
			total = len(ids)
			start, _ := strconv.Atoi(query.Get("startIndex"))
			size, _ := strconv.Atoi(query.Get("resultsPerPage"))
			for i := start; i < len(ids) && i < start+size; i++ {
				vulns = append(vulns, json.RawMessage(`{"cve": `+items[ids[i]]+`}`))
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"resultsPerPage":  len(vulns),
			"totalResults":    total,
			"format":          "NVD_CVE",
			"version":         "2.0",
			"vulnerabilities": vulns,
		})
	}))
	t.Cleanup(srv.Close)

	return &APIv2{
		Endpoint: srv.URL + "/rest/json/%s/2.0",
		Client:   srv.Client(),
		Limiter:  rate.NewLimiter(rate.Inf, 1),
	}, requests
}

func TestBuildUrlReturnsValidUrl(t *testing.T) {
	require := require.New(t)

	result, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{})
	require.NoError(err, "unexpected error")

	parsedUrl, err := url.Parse(result)
	require.NoError(err)
	require.Equal("example.com", parsedUrl.Host)
	require.Equal("/api/test/", parsedUrl.Path)
	require.Equal("https", parsedUrl.Scheme)
	require.Empty(parsedUrl.RawQuery)
}

func TestBuildUrlOptions(t *testing.T) {
	aug1 := time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)
	aug7 := time.Date(2023, 8, 7, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		options []RequestOptionsFunc
		want    map[string]string
	}{
		{
			name:    "cve id",
			options: []RequestOptionsFunc{CveID("CVE-2021-21224")},
			want:    map[string]string{"cveId": "CVE-2021-21224"},
		},
		{
			name:    "no rejected",
			options: []RequestOptionsFunc{NoRejected()},
			want:    map[string]string{"noRejected": ""},
		},
		{
			name:    "paging",
			options: []RequestOptionsFunc{StartIndex(1), ResultsPerPage(200)},
			want:    map[string]string{"startIndex": "1", "resultsPerPage": "200"},
		},
		{
			name:    "pub start sets pub end",
			options: []RequestOptionsFunc{PubStart(aug1)},
			want:    map[string]string{"pubStartDate": "2023-08-01T00:00:00Z", "pubEndDate": "2023-08-02T00:00:00Z"},
		},
		{
			name:    "pub end sets pub start",
			options: []RequestOptionsFunc{PubEnd(aug7)},
			want:    map[string]string{"pubStartDate": "2023-08-06T00:00:00Z", "pubEndDate": "2023-08-07T00:00:00Z"},
		},
		{
			name:    "pub start keeps pub end",
			options: []RequestOptionsFunc{PubEnd(aug7), PubStart(aug1)},
			want:    map[string]string{"pubStartDate": "2023-08-01T00:00:00Z", "pubEndDate": "2023-08-07T00:00:00Z"},
		},
		{
			name:    "pub end keeps pub start",
			options: []RequestOptionsFunc{PubStart(aug1), PubEnd(aug7)},
			want:    map[string]string{"pubStartDate": "2023-08-01T00:00:00Z", "pubEndDate": "2023-08-07T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			result, err := buildUrl("https://example.com/api/%s/", "test", tt.options)
			require.NoError(err)

			parsed, err := url.Parse(result)
			require.NoError(err)
			query := parsed.Query()

			require.Len(query, len(tt.want))
			for key, value := range tt.want {
				require.Contains(query, key)
				require.Equal(value, query.Get(key), key)
			}
		})
	}
}

func TestBuildUrlEmptyCveID(t *testing.T) {
	_, err := buildUrl("https://example.com/api/%s/", "test", []RequestOptionsFunc{CveID("")})
	require.Error(t, err)
}

func TestGetCVEs(t *testing.T) {
	require := require.New(t)

	api, requests := newNVDServer(t, map[string]string{"CVE-2021-21224": nvdItem})
	api.APIKey = "secret"

	resp, err := api.GetCVEs(context.Background(), CveID("CVE-2021-21224"))
	require.NoError(err)
	require.Len(resp.Vulnerabilities, 1)

	cve := resp.Vulnerabilities[0].CVE
	require.Equal("CVE-2021-21224", cve.ID)
	require.Equal("Analyzed", cve.VulnStatus)
	require.Equal("Type confusion in V8 in Google Chrome", cve.Descriptions.SelectLang("en").Unwrap().Value)
	require.True(cve.Descriptions.SelectLang("fr").IsNone())
	require.Equal("8.8", cve.Metrics.CvssMetricV31.SelectByType("Primary").Unwrap().CvssData.BaseScore.String())

	headers := requests.all()
	require.Len(headers, 1)
	require.Equal("secret", headers[0].Get("apiKey"))
}

func TestGetCVEsUnexpectedStatus(t *testing.T) {
	api, _ := newNVDServer(t, nil)
	api.Endpoint = api.Endpoint + "/missing"

	_, err := api.GetCVEs(context.Background(), CveID("CVE-2021-21224"))
	require.ErrorContains(t, err, "404")
}

func TestGetCVEsCancelledContext(t *testing.T) {
	api, requests := newNVDServer(t, nil)
	api.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	api.Limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := api.GetCVEs(ctx, CveID("CVE-2021-21224"))
	require.Error(t, err)
	require.Empty(t, requests.all())
}

func TestNewNVDLimiter(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(rate.Every(6*time.Second), NewNVDLimiter(5).Limit())
	assert.Equal(rate.Every(600*time.Millisecond), NewNVDLimiter(50).Limit())
	assert.Equal(rate.Every(30*time.Second), NewNVDLimiter(0).Limit())
}

func TestApplyNvdCve(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var item CVE
	require.NoError(json.Unmarshal([]byte(nvdItem), &item))

	cve := vulnai.CVE{Name: "CVE-2021-21224"}
	ApplyNvdCve(&cve, item)

	require.NotNil(cve.Description)
	assert.Equal("Type confusion in V8 in Google Chrome", *cve.Description)
	require.NotNil(cve.Cvss3BaseScore)
	assert.Equal(8.8, *cve.Cvss3BaseScore)
	require.NotNil(cve.Cvss2BaseScore)
	assert.Equal(6.8, *cve.Cvss2BaseScore)
	require.NotNil(cve.Severity)
	assert.Equal(vulnai.SeverityMedium, *cve.Severity)
}

func TestApplyNvdCveCriticalIsHigh(t *testing.T) {
	require := require.New(t)

	item := CVE{
		ID: "CVE-2024-0001",
		Metrics: Metric{
			CvssMetricV30: CvssMetricsV3{{
				Type:     "Primary",
				CvssData: CvssData{BaseScore: "9.8", BaseSeverity: "CRITICAL"},
			}},
		},
	}
	description := "kept"
	cve := vulnai.CVE{Name: "CVE-2024-0001", Description: &description}
	ApplyNvdCve(&cve, item)

	require.Equal("kept", *cve.Description)
	require.Nil(cve.Cvss2BaseScore)
	require.Equal(9.8, *cve.Cvss3BaseScore)
	require.Equal(vulnai.SeverityHigh, *cve.Severity)
}

func TestSeverityFrom(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(vulnai.SeverityLow, severityFrom("low").Unwrap())
	assert.Equal(vulnai.SeverityMedium, severityFrom("MEDIUM").Unwrap())
	assert.Equal(vulnai.SeverityHigh, severityFrom("CRITICAL").Unwrap())
	assert.True(severityFrom("NONE").IsNone())
	assert.True(severityFrom("").IsNone())
}

func TestNVDEnrich(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	score := 5.0
	require.NoError(db.Create(&[]vulnai.CVE{
		{Name: "CVE-2021-21224"},
		{Name: "CVE-2099-0001"},
		{Name: "CVE-2020-0001", Description: &[]string{"complete"}[0], Cvss3BaseScore: &score},
	}).Error)

	api, requests := newNVDServer(t, map[string]string{"CVE-2021-21224": nvdItem})

	require.NoError(NVDEnrich(context.Background(), db, api, false))
	require.Len(requests.all(), 2, "complete CVEs are not requested")

	var cve vulnai.CVE
	require.NoError(db.Where("name = ?", "CVE-2021-21224").First(&cve).Error)
	require.Equal("Type confusion in V8 in Google Chrome", *cve.Description)
	require.Equal(8.8, *cve.Cvss3BaseScore)
	require.Equal(vulnai.SeverityMedium, *cve.Severity)

	var unknown vulnai.CVE
	require.NoError(db.Where("name = ?", "CVE-2099-0001").First(&unknown).Error)
	require.Nil(unknown.Description)

	for _, q := range requests.allQueries() {
		require.True(q.Has("noRejected"), "rejected records are excluded")
	}

	require.NoError(NVDEnrich(context.Background(), db, api, true))
	require.Len(requests.all(), 5)
}

func TestApplyNvdCveSecondaryV30(t *testing.T) {
	require := require.New(t)

	item := CVE{
		ID: "CVE-2019-0001",
		Metrics: Metric{
			CvssMetricV30: CvssMetricsV3{{
				Type:     "Secondary",
				CvssData: CvssData{BaseScore: "5.3", BaseSeverity: "MEDIUM"},
			}},
		},
	}
	cve := vulnai.CVE{Name: "CVE-2019-0001"}
	ApplyNvdCve(&cve, item)

	require.NotNil(cve.Cvss3BaseScore)
	require.Equal(5.3, *cve.Cvss3BaseScore)
	require.NotNil(cve.Severity)
	require.Equal(vulnai.SeverityMedium, *cve.Severity)
}

func nvdItemFor(id, description string) string {
	return `{"id": "` + id + `", "descriptions": [{"lang": "en", "value": "` + description + `"}]}`
}

func TestNVDEnrichPublished(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	require.NoError(db.Create(&[]vulnai.CVE{
		{Name: "CVE-2023-0001"},
		{Name: "CVE-2023-0003"},
	}).Error)

	api, requests := newNVDServer(t, map[string]string{
		"CVE-2023-0001": nvdItemFor("CVE-2023-0001", "first"),
		"CVE-2023-0002": nvdItemFor("CVE-2023-0002", "not in the dataset"),
		"CVE-2023-0003": nvdItemFor("CVE-2023-0003", "third"),
	})
	api.PageSize = 2

	start := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(NVDEnrichPublished(context.Background(), db, api, start, end))

	queries := requests.allQueries()
	require.Len(queries, 2, "three results in pages of two")
	require.Equal("0", queries[0].Get("startIndex"))
	require.Equal("2", queries[1].Get("startIndex"))
	for _, q := range queries {
		require.Equal("2", q.Get("resultsPerPage"))
		require.Equal("2023-07-01T00:00:00Z", q.Get("pubStartDate"))
		require.Equal("2023-08-01T00:00:00Z", q.Get("pubEndDate"))
		require.True(q.Has("noRejected"))
	}

	var cves []vulnai.CVE
	require.NoError(db.Order("name").Find(&cves).Error)
	require.Len(cves, 2, "unknown CVEs are not created")
	require.Equal("first", *cves[0].Description)
	require.Equal("third", *cves[1].Description)
}

func TestNVDEnrichPublishedSplitsPeriod(t *testing.T) {
	require := require.New(t)

	db := newTestDB(t)
	api, requests := newNVDServer(t, nil)

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2*NVDMaxPubRange + 24*time.Hour)
	require.NoError(NVDEnrichPublished(context.Background(), db, api, start, end))

	queries := requests.allQueries()
	require.Len(queries, 3)
	require.Equal(start.Format(time.RFC3339), queries[0].Get("pubStartDate"))
	require.Equal(start.Add(NVDMaxPubRange).Format(time.RFC3339), queries[0].Get("pubEndDate"))
	require.Equal(start.Add(NVDMaxPubRange).Format(time.RFC3339), queries[1].Get("pubStartDate"))
	require.Equal(end.Format(time.RFC3339), queries[2].Get("pubEndDate"))
	require.Equal(strconv.Itoa(NVDMaxPageSize), queries[0].Get("resultsPerPage"))
}

func TestNVDEnrichPublishedEmptyPeriod(t *testing.T) {
	api, requests := newNVDServer(t, nil)
	day := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	err := NVDEnrichPublished(context.Background(), newTestDB(t), api, day, day)
	require.Error(t, err)
	require.Empty(t, requests.all())
}
