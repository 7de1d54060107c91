package vulnai

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gorm.io/gorm"
)

// MaxNumLinesUnbounded stands in for an unset upper bound on
// Function.NumLines. It is larger than any function in the dataset.
const MaxNumLinesUnbounded = math.MaxInt32

// CVEFilter is the predicate shared by the CVE listing and the CVE count.
type CVEFilter struct {
	// Search matches a substring of the name or the description. Empty
	// matches everything.
	Search   string
	Severity *Severity
}

type CVEQuery struct {
	CVEFilter
	Limit int
	Page  int
	// NumLines is the inclusive upper bound on the length of nested
	// functions.
	NumLines    int
	IncludeCode bool
	// ModelID restricts nested predictions to a single model when set.
	ModelID *int
}

type FunctionQuery struct {
	Limit       int
	Offset      int
	MinNumLines *int
	MaxNumLines *int
	Randomise   bool
}

// functionColumns are projected on nested functions. code is added on
// demand because it dominates the payload.
var functionColumns = []string{"id", "labels", "num_lines", "cve_name"}

func (s *Store) limit(n int) int {
	if s.rowLimit > 0 && n > s.rowLimit {
		return s.rowLimit
	}
	return n
}

func (f CVEFilter) scope(db *gorm.DB) *gorm.DB {
	if f.Search != "" {
		pattern := "%" + escapeLike(f.Search) + "%"
		db = db.Where(`(name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if f.Severity != nil {
		db = db.Where("severity = ?", string(*f.Severity))
	}
	return db
}

func (f CVEFilter) cacheKey() string {
	severity := ""
	if f.Severity != nil {
		severity = string(*f.Severity)
	}
	return "cves:" + severity + ":" + f.Search
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ListCVEs returns one page of CVEs with their functions and the functions'
// predictions. Relations are loaded with one batched query per level.
func (s *Store) ListCVEs(ctx context.Context, q CVEQuery) ([]CVE, error) {
	columns := functionColumns
	if q.IncludeCode {
		columns = append([]string{"code"}, functionColumns...)
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := s.limit(q.Limit)
	offset := 0
	if limit > 0 {
		offset = math.MaxInt
		if page-1 <= math.MaxInt/limit {
			offset = (page - 1) * limit
		}
	}

	cves := []CVE{}
	result := s.db.WithContext(ctx).
		Scopes(q.CVEFilter.scope).
		Preload("Funcs", func(db *gorm.DB) *gorm.DB {
			return db.
				Select(columns).
				Where("num_lines <= ?", q.NumLines).
				Order("id")
		}).
		Preload("Funcs.ModelPredictions", func(db *gorm.DB) *gorm.DB {
			if q.ModelID != nil {
				db = db.Where("model_id = ?", *q.ModelID)
			}
			return db.Order("id")
		}).
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&cves)
	if result.Error != nil {
		return nil, fmt.Errorf("could not list cves: %w", result.Error)
	}
	return cves, nil
}

// CountCVEs counts every CVE matching filter, ignoring pagination.
func (s *Store) CountCVEs(ctx context.Context, filter CVEFilter) (int64, error) {
	return s.cachedCount(filter.cacheKey(), func() (int64, error) {
		var count int64
		result := s.db.WithContext(ctx).
			Model(&CVE{}).
			Scopes(filter.scope).
			Count(&count)
		if result.Error != nil {
			return 0, fmt.Errorf("could not count cves: %w", result.Error)
		}
		return count, nil
	})
}

// ListFunctions returns functions whose length lies in the closed interval
// [MinNumLines, MaxNumLines], each with its CVE and predictions.
func (s *Store) ListFunctions(ctx context.Context, q FunctionQuery) ([]Function, error) {
	minNumLines := 0
	if q.MinNumLines != nil {
		minNumLines = *q.MinNumLines
	}
	maxNumLines := MaxNumLinesUnbounded
	if q.MaxNumLines != nil {
		maxNumLines = *q.MaxNumLines
	}
	order := "id"
	if q.Randomise {
		order = "random()"
	}

	funcs := []Function{}
	result := s.db.WithContext(ctx).
		Preload("CVE").
		Preload("ModelPredictions", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		}).
		Where("num_lines BETWEEN ? AND ?", minNumLines, maxNumLines).
		Order(order).
		Limit(s.limit(q.Limit)).
		Offset(q.Offset).
		Find(&funcs)
	if result.Error != nil {
		return nil, fmt.Errorf("could not list functions: %w", result.Error)
	}
	// parent CVEs are loaded without their functions
	for _, f := range funcs {
		if f.CVE != nil && f.CVE.Funcs == nil {
			f.CVE.Funcs = []Function{}
		}
	}
	return funcs, nil
}

// CountNonVulnerableFunctions counts functions not labelled vulnerable.
func (s *Store) CountNonVulnerableFunctions(ctx context.Context) (int64, error) {
	return s.cachedCount("functions:non-vulnerable", func() (int64, error) {
		var count int64
		result := s.db.WithContext(ctx).
			Model(&Function{}).
			Where("labels <> ?", VulnerableLabel).
			Count(&count)
		if result.Error != nil {
			return 0, fmt.Errorf("could not count non-vulnerable functions: %w", result.Error)
		}
		return count, nil
	})
}

func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	models := []Model{}
	result := s.db.WithContext(ctx).Order("id").Find(&models)
	if result.Error != nil {
		return nil, fmt.Errorf("could not list models: %w", result.Error)
	}
	return models, nil
}

func (s *Store) cachedCount(key string, count func() (int64, error)) (int64, error) {
	if s.counts == nil {
		return count()
	}
	if v, ok := s.counts.Get(key); ok {
		return v.(int64), nil
	}
	n, err := count()
	if err != nil {
		return 0, err
	}
	s.counts.SetDefault(key, n)
	return n, nil
}
