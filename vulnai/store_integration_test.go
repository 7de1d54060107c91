//go:build integration

package vulnai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	postgresC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vulnai"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(postgresC); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})
	require.NoError(t, err)

	url, err := postgresC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config := DefaultConfig()
	config.DBURL = url
	config.CountCacheTTL = 0
	s, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate())
	return s
}

func TestPostgresStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s := newPostgresStore(t)
	require.NoError(s.Ping(ctx))
	require.NotNil(s.pool, "postgres runs on a pgx pool")

	seedScenario(t, s)
	// the scenario inserts function 1 with an explicit id
	require.NoError(s.DB().Exec(`SELECT setval(pg_get_serial_sequence('"function"', 'id'), 1)`).Error)
	require.NoError(s.DB().Create(&CVE{Name: "CVE-2023-0001", Description: ptr("100% reproducible")}).Error)
	seedFunctions(t, s, 20)

	cves, err := s.ListCVEs(ctx, CVEQuery{CVEFilter: CVEFilter{Search: "V8"}, Limit: 10, Page: 1, NumLines: 20})
	require.NoError(err)
	require.Len(cves, 1)
	require.Len(cves[0].Funcs, 1)
	require.Equal(0.91, cves[0].Funcs[0].ModelPredictions[0].Probability)

	cves, err = s.ListCVEs(ctx, CVEQuery{CVEFilter: CVEFilter{Search: "v8"}, Limit: 10, Page: 1})
	require.NoError(err)
	require.Empty(cves, "LIKE is case sensitive on postgres")

	count, err := s.CountCVEs(ctx, CVEFilter{Search: "100%"})
	require.NoError(err)
	require.EqualValues(1, count)

	funcs, err := s.ListFunctions(ctx, FunctionQuery{Limit: 50, Randomise: true})
	require.NoError(err)
	require.Len(funcs, 21)

	require.NoError(CleanDataset(false, s.DB()))
	count, err = s.CountCVEs(ctx, CVEFilter{})
	require.NoError(err)
	require.Zero(count)
}
