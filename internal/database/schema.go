package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// JobInputs is stored as JSON on the job row and holds the object store
// keys of the files submitted for the job.
type JobInputs struct {
	MapKey      string `json:"map_key"`
	ModelKey    string `json:"model_key"`
	SequenceKey string `json:"sequence_key"`
	AuxModelKey string `json:"aux_model_key,omitempty"`
}

type ValidationJob struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	Status string `gorm:"size:20;not null"`

	ContourLevel float64
	SamplingRate float64
	OriginX      float64
	OriginY      float64
	OriginZ      float64

	Resample      bool    `gorm:"default:false"`
	TargetRate    float64 `gorm:"default:1"`
	AttributeName string  `gorm:"size:64"`

	Inputs datatypes.JSON

	Deleted bool `gorm:"default:false"`

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type JobError struct {
	JobId uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Job   *ValidationJob `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`

	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
