package vulnai

import "time"

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// VulnerableLabel is the ground-truth value of Function.Labels for functions
// that contain the vulnerability of their CVE.
const VulnerableLabel = 1

type CVE struct {
	ID             int        `gorm:"primaryKey;not null" json:"id"`
	Name           string     `gorm:"type:varchar(32);not null;uniqueIndex:ix_cve_name" json:"name"`
	Description    *string    `gorm:"type:text" json:"description"`
	Severity       *Severity  `gorm:"type:varchar(8);index:ix_cve_severity" json:"severity"`
	Cvss2BaseScore *float64   `gorm:"column:cvss2_base_score;type:numeric" json:"cvss2_base_score"`
	Cvss3BaseScore *float64   `gorm:"column:cvss3_base_score;type:numeric" json:"cvss3_base_score"`
	Funcs          []Function `gorm:"foreignKey:CVEName;references:Name" json:"funcs"`
}

func (CVE) TableName() string { return "cve" }

type Function struct {
	ID               int               `gorm:"primaryKey;not null" json:"id"`
	Code             string            `gorm:"type:text;not null" json:"code,omitempty"`
	Labels           int               `gorm:"not null;check:labels IN (0, 1)" json:"labels"`
	NumLines         int               `gorm:"column:num_lines;not null;index:ix_function_num_lines" json:"num_lines"`
	CVEName          *string           `gorm:"column:cve_name;type:varchar(32);index:ix_function_cve_name" json:"cve_name"`
	CVE              *CVE              `gorm:"foreignKey:CVEName;references:Name" json:"cve,omitempty"`
	ModelPredictions []ModelPrediction `gorm:"foreignKey:FuncID" json:"model_predictions"`
}

func (Function) TableName() string { return "function" }

type Model struct {
	ID          int               `gorm:"primaryKey;not null" json:"id"`
	Name        string            `gorm:"not null" json:"name"`
	Description string            `gorm:"type:text" json:"description"`
	HubID       string            `gorm:"column:hub_id;not null;uniqueIndex:ix_model_hub_id" json:"hub_id"`
	Accuracy    float64           `json:"accuracy"`
	Precision   float64           `json:"precision"`
	Recall      float64           `json:"recall"`
	F1          float64           `gorm:"column:f1" json:"f1"`
	Predictions []ModelPrediction `gorm:"foreignKey:ModelID" json:"-"`
}

func (Model) TableName() string { return "model" }

type ModelPrediction struct {
	ID          int     `gorm:"primaryKey;not null" json:"id"`
	Prediction  int     `gorm:"not null;check:prediction IN (0, 1)" json:"prediction"`
	Probability float64 `gorm:"type:double precision;not null" json:"probability"`
	ModelID     int     `gorm:"not null;index:ix_model_prediction_model_id" json:"model_id"`
	FuncID      int     `gorm:"column:func_id;not null;index:ix_model_prediction_func_id" json:"func_id"`
}

func (ModelPrediction) TableName() string { return "model_prediction" }

// User predates the prediction schema. It is migrated but no route reads it.
type User struct {
	ID        int       `gorm:"primaryKey;not null"`
	Username  string    `gorm:"not null;uniqueIndex:username_idx"`
	Password  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&CVE{},
		&Function{},
		&Model{},
		&ModelPrediction{},
		&User{},
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}
