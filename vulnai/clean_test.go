package vulnai

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func countRows(t *testing.T, s *Store, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, s.DB().Model(model).Count(&count).Error)
	return count
}

func TestCleanDatasetDryRun(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedScenario(t, s)

	require.NoError(CleanDataset(true, s.DB()))

	require.EqualValues(1, countRows(t, s, &CVE{}))
	require.EqualValues(1, countRows(t, s, &ModelPrediction{}))
}

func TestCleanDataset(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedScenario(t, s)
	seedFunctions(t, s, 3)
	require.NoError(s.DB().Create(&User{Username: "admin", Password: "x"}).Error)

	require.NoError(CleanDataset(false, s.DB()))

	require.Zero(countRows(t, s, &CVE{}))
	require.Zero(countRows(t, s, &Function{}))
	require.Zero(countRows(t, s, &Model{}))
	require.Zero(countRows(t, s, &ModelPrediction{}))
	require.EqualValues(1, countRows(t, s, &User{}), "users are not part of the dataset")
}

func TestCleanCVE(t *testing.T) {
	require := require.New(t)
	s := newTestStore(t)
	seedScenario(t, s)
	seedFunctions(t, s, 2)

	require.NoError(CleanCVE("CVE-2021-21224", false, s.DB()))

	require.Zero(countRows(t, s, &CVE{}))
	require.EqualValues(2, countRows(t, s, &Function{}), "functions of other cves stay")
	require.Zero(countRows(t, s, &ModelPrediction{}))
	require.EqualValues(1, countRows(t, s, &Model{}))
}

func TestCleanCVEUnknown(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, CleanCVE("CVE-1999-0001", false, s.DB()))
}
