package api

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vulnai/vulnai/vulnai"
)

const (
	defaultFunctionsLimit = 50
	defaultCVEsLimit      = 10
	defaultNumLines       = 10
)

// FunctionsParams are the query parameters of GET /functions.
type FunctionsParams struct {
	Limit       int  `query:"limit" validate:"min=1,max=50"`
	Offset      int  `query:"offset" validate:"min=0"`
	MinNumLines *int `query:"minNumLines" validate:"omitnil,min=1"`
	MaxNumLines *int `query:"maxNumLines" validate:"omitnil,min=1"`
	Randomise   bool `query:"randomise"`
}

func (p FunctionsParams) Query() vulnai.FunctionQuery {
	return vulnai.FunctionQuery{
		Limit:       p.Limit,
		Offset:      p.Offset,
		MinNumLines: p.MinNumLines,
		MaxNumLines: p.MaxNumLines,
		Randomise:   p.Randomise,
	}
}

// CVEsParams are the query parameters of GET /cves.
type CVEsParams struct {
	Search      string           `query:"search"`
	Severity    *vulnai.Severity `query:"severity" validate:"omitnil,oneof=LOW MEDIUM HIGH"`
	Limit       int              `query:"limit" validate:"min=1,max=50"`
	Page        int              `query:"page" validate:"min=1"`
	NumLines    int              `query:"num_lines" validate:"min=0"`
	IncludeCode bool             `query:"include_code"`
	ModelID     *int             `query:"model_id" validate:"omitnil,min=1"`
}

func (p CVEsParams) Query() vulnai.CVEQuery {
	return vulnai.CVEQuery{
		CVEFilter:   vulnai.CVEFilter{Search: p.Search, Severity: p.Severity},
		Limit:       p.Limit,
		Page:        p.Page,
		NumLines:    p.NumLines,
		IncludeCode: p.IncludeCode,
		ModelID:     p.ModelID,
	}
}

// CVECountParams are the query parameters of GET /cves/count.
type CVECountParams struct {
	Search   string           `query:"search"`
	Severity *vulnai.Severity `query:"severity" validate:"omitnil,oneof=LOW MEDIUM HIGH"`
}

func (p CVECountParams) Filter() vulnai.CVEFilter {
	return vulnai.CVEFilter{Search: p.Search, Severity: p.Severity}
}

// FieldError is one rejected query parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a request before it reaches the store.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid request"
	}
	return e.Errors[0].Message
}

// messages maps "<field>.<tag>" to the text reported for a failed rule.
var messages = map[string]string{
	"limit.min":            "limit must be between 1 and 50",
	"limit.max":            "limit must be between 1 and 50",
	"offset.min":           "offset must be greater than 0",
	"page.min":             "page must be greater than 0",
	"num_lines.min":        "num_lines must be greater than 0",
	"minNumLines.min":      "minNumLines must be greater than 0",
	"maxNumLines.min":      "maxNumLines must be greater than 0",
	"minNumLines.lines_le": "minNumLines must be less than maxNumLines",
	"severity.oneof":       "severity must be one of LOW MEDIUM HIGH",
	"model_id.min":         "model_id must be greater than 0",
}

func message(field, tag string) string {
	if msg, ok := messages[field+"."+tag]; ok {
		return msg
	}
	return fmt.Sprintf("%s is invalid", field)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("query"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(numLinesRange, FunctionsParams{})
	return v
}

// numLinesRange rejects an empty line interval. It only looks at bounds
// that passed their own rules.
func numLinesRange(sl validator.StructLevel) {
	p := sl.Current().Interface().(FunctionsParams)
	if p.MinNumLines == nil || p.MaxNumLines == nil {
		return
	}
	if *p.MinNumLines < 1 || *p.MaxNumLines < 1 {
		return
	}
	if *p.MinNumLines > *p.MaxNumLines {
		sl.ReportError(p.MinNumLines, "minNumLines", "MinNumLines", "lines_le", "maxNumLines")
	}
}

func check(params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("could not validate parameters: %w", err)
	}
	verr := &ValidationError{}
	for _, fe := range fieldErrs {
		verr.Errors = append(verr.Errors, FieldError{
			Field:   fe.Field(),
			Message: message(fe.Field(), fe.Tag()),
		})
	}
	return verr
}

var digits = regexp.MustCompile(`^\d+$`)

// queryReader converts raw query values and collects type errors.
type queryReader struct {
	values url.Values
	errs   []FieldError
}

func (r *queryReader) has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// int parses a non-negative integer. Values too large for an int saturate
// so that range rules report them.
func (r *queryReader) int(name string, def int) int {
	if !r.has(name) {
		return def
	}
	raw := r.values.Get(name)
	if !digits.MatchString(raw) {
		r.errs = append(r.errs, FieldError{
			Field:   name,
			Message: fmt.Sprintf("%s must be an integer", name),
		})
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return math.MaxInt
	}
	return n
}

func (r *queryReader) optionalInt(name string) *int {
	if !r.has(name) {
		return nil
	}
	n := r.int(name, 0)
	return &n
}

// severity treats an empty value like an absent one.
func (r *queryReader) severity(name string) *vulnai.Severity {
	raw := r.values.Get(name)
	if raw == "" {
		return nil
	}
	severity := vulnai.Severity(strings.ToUpper(raw))
	return &severity
}

// flag is set by the presence of the parameter, whatever its value.
func (r *queryReader) flag(name string) bool {
	return r.has(name)
}

func (r *queryReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: r.errs}
}

func ParseFunctionsParams(values url.Values) (FunctionsParams, error) {
	r := &queryReader{values: values}
	p := FunctionsParams{
		Limit:       r.int("limit", defaultFunctionsLimit),
		Offset:      r.int("offset", 0),
		MinNumLines: r.optionalInt("minNumLines"),
		MaxNumLines: r.optionalInt("maxNumLines"),
		Randomise:   r.flag("randomise"),
	}
	if err := r.err(); err != nil {
		return p, err
	}
	return p, check(p)
}

func ParseCVEsParams(values url.Values) (CVEsParams, error) {
	r := &queryReader{values: values}
	p := CVEsParams{
		Search:      values.Get("search"),
		Severity:    r.severity("severity"),
		Limit:       r.int("limit", defaultCVEsLimit),
		Page:        r.int("page", 1),
		NumLines:    r.int("num_lines", defaultNumLines),
		IncludeCode: r.flag("include_code"),
		ModelID:     r.optionalInt("model_id"),
	}
	if err := r.err(); err != nil {
		return p, err
	}
	return p, check(p)
}

func ParseCVECountParams(values url.Values) (CVECountParams, error) {
	r := &queryReader{values: values}
	p := CVECountParams{
		Search:   values.Get("search"),
		Severity: r.severity("severity"),
	}
	return p, check(p)
}
