package config

import (
	"time"

	"gorm.io/gorm"
)

// Dataset kinds. A dataset's kind decides which prediction tasks it can feed.
const (
	DatasetKindGeneric    = "generic"
	DatasetKindTabular    = "tabular"
	DatasetKindTimeseries = "timeseries"
)

// Training job states.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Worker queue classes (hardware targets).
const (
	QueueCPU   = "cpu"
	QueueGPUT4 = "gpu_t4"
)

// EndReasonOK marks a completed job; failed jobs carry a failure class instead.
const EndReasonOK = "ok"

// Dataset represents a dataset in the database. URI stays null until a file
// has been validated and committed; the tabular columns below are filled in
// by schema inference during the upload commit.
type Dataset struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"index;not null"`
	Description *string
	OwnerID     int    `gorm:"not null;default:0"`
	IsActive    bool   `gorm:"default:true"`
	Kind        string `gorm:"index;not null"`
	URI         *string
	NRows       *int64
	Columns     *string `gorm:"type:text"` // "name:type,name:type,..."
	Features    *string `gorm:"type:text"`
	Labels      *string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// TableName overrides the table name
func (Dataset) TableName() string {
	return "datasets"
}

// Model represents a trained or to-be-trained model. URI stays null until the
// reconciler records a successful training run. DerivedFromID forms a forest:
// every model has at most one parent.
type Model struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"index;not null"`
	Description   *string
	OwnerID       int    `gorm:"not null;default:0"`
	IsActive      bool   `gorm:"default:true"`
	Task          string `gorm:"index;not null"`
	Kind          string `gorm:"index;not null"`
	Size          int64  `gorm:"not null;default:0"`
	URI           *string
	DerivedFromID *uint `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName overrides the table name
func (Model) TableName() string {
	return "models"
}

// TrainingJob represents one asynchronous training run, created in the same
// transaction as the Model row it produces.
type TrainingJob struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   int    `gorm:"not null;default:0"`
	Status    string `gorm:"index;not null"`
	StartedAt *time.Time
	EndedAt   *time.Time
	EndReason *string
	DatasetID uint `gorm:"index;not null"`
	ModelID   uint `gorm:"uniqueIndex;not null"`
	// Validated hyperparameters, schema decided by the model's kind.
	Hyperparameters string `gorm:"type:jsonb"`
	Report          *string
	Queue           string `gorm:"not null"`
	Attempts        int    `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName overrides the table name
func (TrainingJob) TableName() string {
	return "training_jobs"
}

// Project groups a dataset and a model under one prediction task family.
type Project struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"index;not null"`
	Description *string
	OwnerID     int    `gorm:"not null;default:0"`
	IsActive    bool   `gorm:"default:true"`
	ProjectType string `gorm:"index;not null"`
	DatasetID   *uint
	ModelID     *uint
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName overrides the table name
func (Project) TableName() string {
	return "projects"
}

// TaskOutbox holds task messages written in the submission transaction and
// published to the broker by the outbox pump. A row with a null PublishedAt
// is pending delivery.
type TaskOutbox struct {
	ID          uint       `gorm:"primaryKey"`
	JobID       uint       `gorm:"index;not null"`
	Payload     string     `gorm:"type:jsonb"`
	PublishedAt *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// TableName overrides the table name
func (TaskOutbox) TableName() string {
	return "task_outbox"
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Dataset{},
		&Model{},
		&TrainingJob{},
		&Project{},
		&TaskOutbox{},
	)
}
