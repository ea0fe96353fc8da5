package api

import (
	"time"

	"github.com/google/uuid"
)

// SubmitJobParams are the form fields of the multipart job submission. The
// file parts (map, model, sequence, aux_model) travel alongside them.
type SubmitJobParams struct {
	Name          string  `json:"name" schema:"name"`
	ContourLevel  float64 `json:"contour_level" schema:"contour_level"`
	SamplingRate  float64 `json:"sampling_rate" schema:"sampling_rate"`
	OriginX       float64 `json:"origin_x" schema:"origin_x"`
	OriginY       float64 `json:"origin_y" schema:"origin_y"`
	OriginZ       float64 `json:"origin_z" schema:"origin_z"`
	Resample      bool    `json:"resample" schema:"resample"`
	TargetRate    float64 `json:"target_rate" schema:"target_rate"`
	AttributeName string  `json:"attribute_name" schema:"attribute_name"`
}

type SubmitJobResponse struct {
	Message string    `json:"message"`
	JobId   uuid.UUID `json:"job_id"`
}

type ListJobsParams struct {
	Status string `schema:"status"`
}

type JobError struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type Job struct {
	Id   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	Status string `json:"status"`

	ContourLevel  float64 `json:"contour_level"`
	SamplingRate  float64 `json:"sampling_rate"`
	OriginX       float64 `json:"origin_x"`
	OriginY       float64 `json:"origin_y"`
	OriginZ       float64 `json:"origin_z"`
	Resample      bool    `json:"resample"`
	TargetRate    float64 `json:"target_rate"`
	AttributeName string  `json:"attribute_name"`

	CreationTime   time.Time  `json:"creation_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	Errors []JobError `json:"errors,omitempty"`
}

type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// ScoresResponse is the parsed per-residue score map of a completed job.
// Keys are "chain:residue_number"; values are the score text exactly as
// the predictor emitted it.
type ScoresResponse struct {
	JobId         uuid.UUID         `json:"job_id"`
	AttributeName string            `json:"attribute_name"`
	Scores        map[string]string `json:"scores"`
}

type DeleteJobResponse struct {
	Message string `json:"message"`
}
