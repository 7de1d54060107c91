package vulnai

import (
	"fmt"

	"gorm.io/gorm"
)

// CleanDataset removes every CVE, function, model and prediction. The legacy
// users table is left alone.
func CleanDataset(
	dryRun bool,
	db *gorm.DB,
) error {
	tables := []struct {
		name  string
		model any
	}{
		{"model_prediction", &ModelPrediction{}},
		{"function", &Function{}},
		{"model", &Model{}},
		{"cve", &CVE{}},
	}

	for _, table := range tables {
		var count int64
		if err := db.Model(table.model).Count(&count).Error; err != nil {
			return fmt.Errorf("could not count %s: %w", table.name, err)
		}
		fmt.Printf("Found %d %s rows\n", count, table.name)
	}

	if dryRun {
		return nil
	}

	fmt.Println("Deleting dataset")
	return db.Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			err := tx.Exec(`TRUNCATE "model_prediction", "function", "model", "cve" RESTART IDENTITY CASCADE`).Error
			if err != nil {
				return fmt.Errorf("could not truncate tables: %w", err)
			}
			return nil
		}

		for _, table := range tables {
			err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table.model).Error
			if err != nil {
				return fmt.Errorf("could not delete %s rows: %w", table.name, err)
			}
		}
		return nil
	})
}

// CleanCVE removes a single CVE together with its functions and their
// predictions.
func CleanCVE(
	name string,
	dryRun bool,
	db *gorm.DB,
) error {
	tx := db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("could not start transaction: %w", tx.Error)
	}
	defer tx.Rollback()

	var cve CVE
	err := tx.
		Where(&CVE{Name: name}).
		Preload("Funcs").
		Preload("Funcs.ModelPredictions").
		First(&cve).Error
	if err != nil {
		return fmt.Errorf("could not find cve %s: %w", name, err)
	}

	funcIDs := make([]int, 0, len(cve.Funcs))
	predictions := 0
	for _, f := range cve.Funcs {
		funcIDs = append(funcIDs, f.ID)
		predictions += len(f.ModelPredictions)
		fmt.Printf("- function %d, lines: %d, predictions: %d\n", f.ID, f.NumLines, len(f.ModelPredictions))
	}
	fmt.Printf("Found %d functions and %d predictions for %s\n", len(funcIDs), predictions, name)

	if dryRun {
		return nil
	}

	if len(funcIDs) > 0 {
		if err := tx.Where("func_id IN ?", funcIDs).Delete(&ModelPrediction{}).Error; err != nil {
			return fmt.Errorf("could not delete predictions: %w", err)
		}
		if err := tx.Delete(&Function{}, funcIDs).Error; err != nil {
			return fmt.Errorf("could not delete functions: %w", err)
		}
	}
	if err := tx.Delete(&cve).Error; err != nil {
		return fmt.Errorf("could not delete cve: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("could not delete records: %w", err)
	}
	return nil
}
