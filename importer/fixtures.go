package importer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moznion/go-optional"
	"github.com/vulnai/vulnai/vulnai"
	"gorm.io/gorm"
)

const (
	CVEsFixture        = "cves.json"
	FunctionsFixture   = "functions.json"
	ModelsFixture      = "models.json"
	PredictionsFixture = "predictions.json"
)

const batchSize = 500

// ErrFixtureNotFound is returned by a FixtureSource for a missing file.
var ErrFixtureNotFound = errors.New("fixture not found")

// FixtureSource hands out the JSON fixture files of a dataset by name.
type FixtureSource interface {
	Open(name string) (io.ReadCloser, error)
}

// DirSource reads fixtures from a directory on disk.
type DirSource string

func (d DirSource) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(string(d), name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, name)
	}
	return f, err
}

type CVEFixture struct {
	Name           string                   `json:"name"`
	Description    optional.Option[string]  `json:"description"`
	Severity       optional.Option[string]  `json:"severity"`
	Cvss2BaseScore optional.Option[float64] `json:"cvss2_base_score"`
	Cvss3BaseScore optional.Option[float64] `json:"cvss3_base_score"`
}

type FunctionFixture struct {
	ID       optional.Option[int]    `json:"id"`
	Code     string                  `json:"code"`
	Labels   int                     `json:"labels"`
	NumLines optional.Option[int]    `json:"num_lines"`
	CVE      optional.Option[string] `json:"cve"`
}

type ModelFixture struct {
	ID          optional.Option[int] `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	HubID       string               `json:"hub_id"`
	Accuracy    float64              `json:"accuracy"`
	Precision   float64              `json:"precision"`
	Recall      float64              `json:"recall"`
	F1          float64              `json:"f1"`
}

type PredictionFixture struct {
	ModelID     int     `json:"model_id"`
	FuncID      int     `json:"func_id"`
	Prediction  int     `json:"prediction"`
	Probability float64 `json:"probability"`
}

type ImportStats struct {
	CVEs        int
	Functions   int
	Models      int
	Predictions int
}

// ImportFixtures inserts a complete dataset in one transaction. cves.json,
// functions.json and models.json are required, predictions.json is optional.
func ImportFixtures(
	db *gorm.DB,
	src FixtureSource,
	rewriters []CompiledRewriter,
) (stats ImportStats, err error) {
	var cveFixtures []CVEFixture
	if err := readFixture(src, CVEsFixture, &cveFixtures); err != nil {
		return stats, err
	}
	var functionFixtures []FunctionFixture
	if err := readFixture(src, FunctionsFixture, &functionFixtures); err != nil {
		return stats, err
	}
	var modelFixtures []ModelFixture
	if err := readFixture(src, ModelsFixture, &modelFixtures); err != nil {
		return stats, err
	}
	var predictionFixtures []PredictionFixture
	err = readFixture(src, PredictionsFixture, &predictionFixtures)
	if errors.Is(err, ErrFixtureNotFound) {
		slog.Info("No prediction fixture, skipping predictions")
	} else if err != nil {
		return stats, err
	}

	cves := make([]vulnai.CVE, 0, len(cveFixtures))
	for _, fixture := range cveFixtures {
		for _, rewriter := range rewriters {
			fixture, err = rewriter.Rewrite(fixture)
			if err != nil {
				return stats, fmt.Errorf("could not rewrite %s: %w", fixture.Name, err)
			}
		}
		cves = append(cves, fixture.ToCVE())
	}
	funcs := make([]vulnai.Function, 0, len(functionFixtures))
	for _, fixture := range functionFixtures {
		funcs = append(funcs, fixture.ToFunction())
	}
	models := make([]vulnai.Model, 0, len(modelFixtures))
	for _, fixture := range modelFixtures {
		models = append(models, fixture.ToModel())
	}
	predictions := make([]vulnai.ModelPrediction, 0, len(predictionFixtures))
	for _, fixture := range predictionFixtures {
		predictions = append(predictions, fixture.ToModelPrediction())
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		steps := []struct {
			table string
			rows  any
			n     int
		}{
			{"cve", &cves, len(cves)},
			{"function", &funcs, len(funcs)},
			{"model", &models, len(models)},
			{"model_prediction", &predictions, len(predictions)},
		}
		for _, step := range steps {
			if step.n == 0 {
				continue
			}
			slog.Info("Inserting rows", "table", step.table, "rows", step.n)
			if err := tx.CreateInBatches(step.rows, batchSize).Error; err != nil {
				return fmt.Errorf("could not insert %s rows: %w", step.table, err)
			}
			if err := resetSequence(tx, step.table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	return ImportStats{
		CVEs:        len(cves),
		Functions:   len(funcs),
		Models:      len(models),
		Predictions: len(predictions),
	}, nil
}

// resetSequence moves a PostgreSQL serial past ids inserted explicitly from
// fixtures.
func resetSequence(tx *gorm.DB, table string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	err := tx.Exec(
		fmt.Sprintf(`SELECT setval(pg_get_serial_sequence('%[1]q', 'id'), COALESCE(MAX(id), 1)) FROM %[1]q`, table),
	).Error
	if err != nil {
		return fmt.Errorf("could not reset id sequence of %s: %w", table, err)
	}
	return nil
}

func readFixture(src FixtureSource, name string, v any) error {
	r, err := src.Open(name)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", name, err)
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("could not decode %s: %w", name, err)
	}
	return nil
}

func (f CVEFixture) ToCVE() vulnai.CVE {
	cve := vulnai.CVE{
		Name:           f.Name,
		Description:    f.Description.UnwrapAsPtr(),
		Cvss2BaseScore: f.Cvss2BaseScore.UnwrapAsPtr(),
		Cvss3BaseScore: f.Cvss3BaseScore.UnwrapAsPtr(),
	}
	f.Severity.IfSome(func(v string) {
		severity := vulnai.Severity(strings.ToUpper(v))
		if !severity.Valid() {
			slog.Warn("Ignoring unknown severity", "cve", f.Name, "severity", v)
			return
		}
		cve.Severity = &severity
	})
	return cve
}

func (f FunctionFixture) ToFunction() vulnai.Function {
	return vulnai.Function{
		ID:       f.ID.TakeOr(0),
		Code:     f.Code,
		Labels:   f.Labels,
		NumLines: f.NumLines.TakeOr(CountLines(f.Code)),
		CVEName:  f.CVE.UnwrapAsPtr(),
	}
}

func (f ModelFixture) ToModel() vulnai.Model {
	return vulnai.Model{
		ID:          f.ID.TakeOr(0),
		Name:        f.Name,
		Description: f.Description,
		HubID:       f.HubID,
		Accuracy:    f.Accuracy,
		Precision:   f.Precision,
		Recall:      f.Recall,
		F1:          f.F1,
	}
}

func (f PredictionFixture) ToModelPrediction() vulnai.ModelPrediction {
	return vulnai.ModelPrediction{
		ModelID:     f.ModelID,
		FuncID:      f.FuncID,
		Prediction:  f.Prediction,
		Probability: f.Probability,
	}
}

// CountLines counts the lines of a source snippet. A trailing newline does
// not start a new line.
func CountLines(code string) int {
	if code == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(code, "\n"), "\n") + 1
}
