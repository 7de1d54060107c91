package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moznion/go-optional"
	"github.com/vulnai/vulnai/vulnai"
	"gorm.io/gorm"
)

// NVDEnrich fills description, CVSS scores and severity of CVEs from the
// NVD. Without all only CVEs missing a description or both scores are
// requested.
func NVDEnrich(
	ctx context.Context,
	db *gorm.DB,
	nvdApi *APIv2,
	all bool,
) error {
	var cves []vulnai.CVE
	query := db.WithContext(ctx).Order("id")
	if !all {
		query = query.Where("description IS NULL OR (cvss2_base_score IS NULL AND cvss3_base_score IS NULL)")
	}
	if err := query.Find(&cves).Error; err != nil {
		return fmt.Errorf("could not load cves: %w", err)
	}
	slog.Info("Enriching CVEs from NVD", "cves", len(cves))

	updated := 0
	for i := range cves {
		cve := &cves[i]
		resp, err := nvdApi.GetCVEs(ctx, CveID(cve.Name), NoRejected())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("could not request cve", "cve", cve.Name, "err", err)
			continue
		}

		item := OptionalFirst(resp.Vulnerabilities)
		if item.IsNone() {
			slog.Warn("CVE unknown to NVD", "cve", cve.Name)
			continue
		}

		err = ProcessNvdCveItem(ctx, db, cve, item.Unwrap().CVE)
		if err != nil {
			slog.Error("could not process item", "cve", cve.Name, "err", err)
			continue
		}
		updated++
	}
	slog.Info("Finished enriching CVEs", "updated", updated, "requested", len(cves))

	return nil
}

// NVDEnrichPublished pages through the CVEs the NVD published between start
// and end and updates the ones already in the dataset. The period is split
// into windows the NVD accepts.
func NVDEnrichPublished(
	ctx context.Context,
	db *gorm.DB,
	nvdApi *APIv2,
	start, end time.Time,
) error {
	if !start.Before(end) {
		return fmt.Errorf("start %s is not before end %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	nvdApi.init()
	slog.Info("Enriching CVEs published in period", "start", start, "end", end)

	updated := 0
	for windowStart := start; windowStart.Before(end); windowStart = windowStart.Add(NVDMaxPubRange) {
		windowEnd := windowStart.Add(NVDMaxPubRange)
		if windowEnd.After(end) {
			windowEnd = end
		}

		for index := 0; ; {
			resp, err := nvdApi.GetCVEs(ctx,
				PubStart(windowStart),
				PubEnd(windowEnd),
				NoRejected(),
				StartIndex(index),
				ResultsPerPage(nvdApi.PageSize),
			)
			if err != nil {
				return fmt.Errorf("could not get cves published %s to %s: %w",
					windowStart.Format(time.DateOnly), windowEnd.Format(time.DateOnly), err)
			}
			slog.Debug("Requested CVEs", "start_index", index, "results", len(resp.Vulnerabilities), "total_results", resp.TotalResults)

			n, err := processNvdPage(ctx, db, resp.Vulnerabilities)
			if err != nil {
				return err
			}
			updated += n

			index += len(resp.Vulnerabilities)
			if len(resp.Vulnerabilities) == 0 || index >= resp.TotalResults {
				break
			}
		}
	}
	slog.Info("Finished enriching CVEs", "updated", updated)

	return nil
}

// processNvdPage applies the items of one page to the CVEs of the dataset
// with the same name. Items for unknown CVEs are skipped.
func processNvdPage(ctx context.Context, db *gorm.DB, items []Vulnerability) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.CVE.ID)
	}

	var cves []vulnai.CVE
	if err := db.WithContext(ctx).Where("name IN ?", names).Find(&cves).Error; err != nil {
		return 0, fmt.Errorf("could not load cves: %w", err)
	}
	known := make(map[string]*vulnai.CVE, len(cves))
	for i := range cves {
		known[cves[i].Name] = &cves[i]
	}

	updated := 0
	for _, item := range items {
		cve, ok := known[item.CVE.ID]
		if !ok {
			continue
		}
		if err := ProcessNvdCveItem(ctx, db, cve, item.CVE); err != nil {
			slog.Error("could not process item", "cve", cve.Name, "err", err)
			continue
		}
		updated++
	}
	return updated, nil
}

func ProcessNvdCveItem(
	ctx context.Context,
	db *gorm.DB,
	cve *vulnai.CVE,
	item CVE,
) error {
	slog.Info("Processing vulnerability", "cve", item.ID)

	ApplyNvdCve(cve, item)

	result := db.WithContext(ctx).
		Model(cve).
		Select("description", "severity", "cvss2_base_score", "cvss3_base_score").
		Updates(cve)
	if result.Error != nil {
		return fmt.Errorf("could not update cve %s: %w", item.ID, result.Error)
	}
	return nil
}

// ApplyNvdCve copies the English description, the primary CVSS scores and
// the severity of item onto cve. Fields the NVD does not know stay as they
// are.
func ApplyNvdCve(cve *vulnai.CVE, item CVE) {
	item.Descriptions.SelectLang("en").IfSome(func(v Description) {
		cve.Description = &v.Value
	})

	v3 := item.Metrics.CvssMetricV31.SelectByType("Primary").
		Or(item.Metrics.CvssMetricV30.SelectByType("Primary")).
		Or(OptionalFirst(item.Metrics.CvssMetricV31)).
		Or(OptionalFirst(item.Metrics.CvssMetricV30))
	v2 := item.Metrics.CvssMetricV2.SelectByType("Primary").
		Or(OptionalFirst(item.Metrics.CvssMetricV2))

	v3.IfSome(func(v CvssMetricV3) {
		score, err := v.CvssData.BaseScore.Float64()
		if err != nil {
			slog.Error("could not convert basescore to float64", "cve", cve.Name, "err", err)
			return
		}
		cve.Cvss3BaseScore = &score
	})
	v2.IfSome(func(v CvssMetricV2) {
		score, err := v.CvssData.BaseScore.Float64()
		if err != nil {
			slog.Error("could not convert basescore to float64", "cve", cve.Name, "err", err)
			return
		}
		cve.Cvss2BaseScore = &score
	})

	severity := optional.FlatMap(v2, func(v CvssMetricV2) optional.Option[vulnai.Severity] {
		return severityFrom(v.BaseSeverity)
	}).Or(optional.FlatMap(v3, func(v CvssMetricV3) optional.Option[vulnai.Severity] {
		return severityFrom(v.CvssData.BaseSeverity)
	}))
	severity.IfSome(func(v vulnai.Severity) {
		cve.Severity = &v
	})
}

// severityFrom maps a CVSS severity onto LOW, MEDIUM or HIGH. CVSS v3
// CRITICAL folds into HIGH, NONE has no counterpart.
func severityFrom(s string) optional.Option[vulnai.Severity] {
	severity := vulnai.Severity(strings.ToUpper(s))
	if severity == "CRITICAL" {
		return optional.Some(vulnai.SeverityHigh)
	}
	if !severity.Valid() {
		return optional.None[vulnai.Severity]()
	}
	return optional.Some(severity)
}
