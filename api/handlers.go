package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vulnai/vulnai/vulnai"
)

// Repository is the read access the HTTP surface needs. *vulnai.Store
// implements it.
type Repository interface {
	ListCVEs(ctx context.Context, q vulnai.CVEQuery) ([]vulnai.CVE, error)
	CountCVEs(ctx context.Context, filter vulnai.CVEFilter) (int64, error)
	ListFunctions(ctx context.Context, q vulnai.FunctionQuery) ([]vulnai.Function, error)
	CountNonVulnerableFunctions(ctx context.Context) (int64, error)
	ListModels(ctx context.Context) ([]vulnai.Model, error)
	Ping(ctx context.Context) error
}

var _ Repository = (*vulnai.Store)(nil)

type Meta struct {
	Count int `json:"count"`
}

// ListResponse wraps a page of rows. Meta.Count is the number of rows in
// this page, not the total.
type ListResponse[T any] struct {
	Meta Meta `json:"meta"`
	Data []T  `json:"data"`
}

type Count struct {
	Count int64 `json:"count"`
}

type CountResponse struct {
	Data Count `json:"data"`
}

func newListResponse[T any](rows []T) ListResponse[T] {
	if rows == nil {
		rows = []T{}
	}
	return ListResponse[T]{Meta: Meta{Count: len(rows)}, Data: rows}
}

type handlers struct {
	repo Repository
}

// queryContext detaches queries from the client connection: a request that
// passed validation runs to completion.
func queryContext(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func (h handlers) listCVEs(c echo.Context) error {
	params, err := ParseCVEsParams(c.QueryParams())
	if err != nil {
		return err
	}

	cves, err := h.repo.ListCVEs(queryContext(c), params.Query())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newListResponse(cves))
}

func (h handlers) countCVEs(c echo.Context) error {
	params, err := ParseCVECountParams(c.QueryParams())
	if err != nil {
		return err
	}

	count, err := h.repo.CountCVEs(queryContext(c), params.Filter())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CountResponse{Data: Count{Count: count}})
}

func (h handlers) listFunctions(c echo.Context) error {
	params, err := ParseFunctionsParams(c.QueryParams())
	if err != nil {
		return err
	}

	funcs, err := h.repo.ListFunctions(queryContext(c), params.Query())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newListResponse(funcs))
}

func (h handlers) countNonVulnerableFunctions(c echo.Context) error {
	count, err := h.repo.CountNonVulnerableFunctions(queryContext(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CountResponse{Data: Count{Count: count}})
}

func (h handlers) listModels(c echo.Context) error {
	models, err := h.repo.ListModels(queryContext(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newListResponse(models))
}

func (h handlers) health(c echo.Context) error {
	if err := h.repo.Ping(c.Request().Context()); err != nil {
		return err
	}
	return c.String(http.StatusOK, "ok")
}
