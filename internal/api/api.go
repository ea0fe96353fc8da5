package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"emqa-backend/internal/core"
	"emqa-backend/internal/core/predictor"
	"emqa-backend/internal/core/scores"
	"emqa-backend/internal/core/volume"
	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"
	"emqa-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxUploadMemory bounds the in-memory part of a multipart submission;
// larger map files spill to temp files.
const maxUploadMemory = 64 << 20

type BackendService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	storage   storage.ObjectStore

	uploadBucket string
	resultBucket string
}

func NewBackendService(db *gorm.DB, publisher messaging.Publisher, store storage.ObjectStore, uploadBucket, resultBucket string) *BackendService {
	return &BackendService{
		db:           db,
		publisher:    publisher,
		storage:      store,
		uploadBucket: uploadBucket,
		resultBucket: resultBucket,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitJob))
		r.Get("/", RestHandler(s.ListJobs))
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetJob))
			r.Get("/scores", RestHandler(s.GetJobScores))
			r.Delete("/", RestHandler(s.DeleteJob))
		})
	})
}

func (s *BackendService) SubmitJob(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		slog.Error("error parsing multipart form", "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart request")
	}

	params, err := ParseFormParams[api.SubmitJobParams](r)
	if err != nil {
		return nil, err
	}

	if params.Name == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: name")
	}
	if err := validateName(params.Name); err != nil {
		return nil, err
	}
	if params.SamplingRate <= 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "sampling_rate must be positive")
	}
	if params.TargetRate < 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "target_rate must be positive")
	}
	if params.TargetRate == 0 {
		params.TargetRate = volume.DefaultTargetRate
	}
	if params.AttributeName != "" {
		if err := validateAttributeName(params.AttributeName); err != nil {
			return nil, err
		}
	}

	ctx := r.Context()
	jobId := uuid.New()

	inputs := database.JobInputs{}
	required := []struct {
		part string
		key  *string
	}{
		{"map", &inputs.MapKey},
		{"model", &inputs.ModelKey},
		{"sequence", &inputs.SequenceKey},
	}
	for _, in := range required {
		key, err := s.storeInput(r, jobId, in.part)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required file part: %s", in.part)
		}
		*in.key = key
	}
	auxKey, err := s.storeInput(r, jobId, "aux_model")
	if err != nil {
		return nil, err
	}
	inputs.AuxModelKey = auxKey

	inputsJson, err := json.Marshal(inputs)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to serialize job inputs")
	}

	job := &database.ValidationJob{
		Id:            jobId,
		Name:          params.Name,
		Status:        database.JobQueued,
		ContourLevel:  params.ContourLevel,
		SamplingRate:  params.SamplingRate,
		OriginX:       params.OriginX,
		OriginY:       params.OriginY,
		OriginZ:       params.OriginZ,
		Resample:      params.Resample,
		TargetRate:    params.TargetRate,
		AttributeName: params.AttributeName,
		Inputs:        inputsJson,
		CreationTime:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		slog.Error("error creating validation job", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create job entry")
	}

	if err := s.publisher.PublishValidationTask(ctx, messaging.ValidationTaskPayload{JobId: jobId}); err != nil {
		slog.Error("error publishing validation task", "job_id", jobId, "error", err)
		database.SaveJobError(ctx, s.db, jobId, fmt.Sprintf("failed to queue job: %v", err))
		if err := database.UpdateJobStatus(ctx, s.db, jobId, database.JobFailed); err != nil {
			slog.Error("error marking job as failed", "job_id", jobId, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue validation task")
	}

	slog.Info("submitted validation job", "job_id", jobId, "name", params.Name)
	return api.SubmitJobResponse{Message: "Validation job submitted", JobId: jobId}, nil
}

// storeInput uploads one submitted file part under the job's upload prefix
// and returns its object key, or "" if the part is absent.
func (s *BackendService) storeInput(r *http.Request, jobId uuid.UUID, part string) (string, error) {
	file, header, err := r.FormFile(part)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", nil
		}
		slog.Error("error reading file part", "part", part, "error", err)
		return "", CodedErrorf(http.StatusBadRequest, "unable to read file part %s", part)
	}
	defer file.Close()

	name := sanitizeFilename(header)
	if name == "" {
		return "", CodedErrorf(http.StatusBadRequest, "file part %s has no usable filename", part)
	}

	key := jobId.String() + "/" + name
	if err := s.storage.PutObject(r.Context(), s.uploadBucket, key, file); err != nil {
		slog.Error("error storing uploaded input", "part", part, "key", key, "error", err)
		return "", CodedErrorf(http.StatusInternalServerError, "failed to store uploaded %s file", part)
	}

	return key, nil
}

func sanitizeFilename(header *multipart.FileHeader) string {
	name := filepath.Base(filepath.Clean(header.Filename))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListJobsParams](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	query := s.db.WithContext(ctx).Where("deleted = ?", false)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var jobs []database.ValidationJob
	if err := query.Order("creation_time DESC").Find(&jobs).Error; err != nil {
		slog.Error("error listing jobs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving jobs")
	}

	res := api.ListJobsResponse{Jobs: make([]api.Job, 0, len(jobs))}
	for i := range jobs {
		res.Jobs = append(res.Jobs, toApiJob(&jobs[i]))
	}
	return res, nil
}

func (s *BackendService) getJob(r *http.Request, preloadErrors bool) (*database.ValidationJob, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(r.Context())
	if preloadErrors {
		query = query.Preload("Errors")
	}

	var job database.ValidationJob
	if err := query.First(&job, "id = ?", jobId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		}
		slog.Error("error getting job", "job_id", jobId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job record")
	}
	if job.Deleted {
		return nil, CodedErrorf(http.StatusNotFound, "job not found")
	}

	return &job, nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	job, err := s.getJob(r, true)
	if err != nil {
		return nil, err
	}
	return toApiJob(job), nil
}

func (s *BackendService) GetJobScores(r *http.Request) (any, error) {
	job, err := s.getJob(r, false)
	if err != nil {
		return nil, err
	}

	if job.Status != database.JobCompleted {
		return nil, CodedErrorf(http.StatusConflict, "job has status %s, scores are available once it is %s", job.Status, database.JobCompleted)
	}

	key := job.Id.String() + "/prediction/" + predictor.ScoreFileName
	data, err := s.storage.GetObject(r.Context(), s.resultBucket, key)
	if err != nil {
		slog.Error("error fetching score file", "job_id", job.Id, "key", key, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving score file")
	}

	scoreMap, err := scores.Parse(bytes.NewReader(data))
	if err != nil {
		slog.Error("error parsing score file", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error parsing score file")
	}

	attrName := job.AttributeName
	if attrName == "" {
		attrName = core.DefaultAttributeName
	}

	return api.ScoresResponse{JobId: job.Id, AttributeName: attrName, Scores: scoreMap}, nil
}

func (s *BackendService) DeleteJob(r *http.Request) (any, error) {
	job, err := s.getJob(r, false)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	if err := s.db.WithContext(ctx).Model(&database.ValidationJob{Id: job.Id}).Update("deleted", true).Error; err != nil {
		slog.Error("error deleting job", "job_id", job.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error deleting job")
	}

	// Objects are cleaned up best-effort; the row is already tombstoned.
	if err := s.storage.DeleteObjects(ctx, s.uploadBucket, job.Id.String()); err != nil {
		slog.Error("error deleting job uploads", "job_id", job.Id, "error", err)
	}
	if err := s.storage.DeleteObjects(ctx, s.resultBucket, job.Id.String()); err != nil {
		slog.Error("error deleting job results", "job_id", job.Id, "error", err)
	}

	return api.DeleteJobResponse{Message: "Job deleted"}, nil
}

func toApiJob(job *database.ValidationJob) api.Job {
	res := api.Job{
		Id:            job.Id,
		Name:          job.Name,
		Status:        job.Status,
		ContourLevel:  job.ContourLevel,
		SamplingRate:  job.SamplingRate,
		OriginX:       job.OriginX,
		OriginY:       job.OriginY,
		OriginZ:       job.OriginZ,
		Resample:      job.Resample,
		TargetRate:    job.TargetRate,
		AttributeName: job.AttributeName,
		CreationTime:  job.CreationTime,
	}
	if job.StartTime.Valid {
		t := job.StartTime.Time
		res.StartTime = &t
	}
	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		res.CompletionTime = &t
	}
	for _, e := range job.Errors {
		res.Errors = append(res.Errors, api.JobError{Error: e.Error, Timestamp: e.Timestamp})
	}
	return res
}
