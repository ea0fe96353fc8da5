package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"emqa-backend/internal/core/cif"
	"emqa-backend/internal/core/predictor"
	"emqa-backend/internal/core/scores"
	"emqa-backend/internal/core/volume"
	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultAttributeName = "emqa_score"

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	receiver  messaging.Receiver

	runner    *predictor.Runner
	resampler *volume.Resampler

	uploadBucket string
	resultBucket string
}

func NewTaskProcessor(db *gorm.DB, store storage.ObjectStore, publisher messaging.Publisher, receiver messaging.Receiver, runner *predictor.Runner, resampler *volume.Resampler, uploadBucket, resultBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:           db,
		storage:      store,
		publisher:    publisher,
		receiver:     receiver,
		runner:       runner,
		resampler:    resampler,
		uploadBucket: uploadBucket,
		resultBucket: resultBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.receiver.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.receiver.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {

	case messaging.ValidationQueue:
		var payload messaging.ValidationTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling validation task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processValidationTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processValidationTask(ctx context.Context, payload messaging.ValidationTaskPayload) error {
	jobId := payload.JobId

	slog.Info("processing validation task", "job_id", jobId)

	var job database.ValidationJob
	if err := proc.db.WithContext(ctx).First(&job, "id = ?", jobId).Error; err != nil {
		slog.Error("error fetching validation job", "job_id", jobId, "error", err)
		return fmt.Errorf("error getting validation job: %w", err)
	}

	if job.Deleted {
		slog.Info("job deleted, skipping validation task", "job_id", jobId)
		return nil
	}

	if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobRunning); err != nil {
		return fmt.Errorf("error marking job as running: %w", err)
	}

	if err := proc.runValidation(ctx, &job); err != nil {
		slog.Error("validation job failed", "job_id", jobId, "error", err)
		database.SaveJobError(ctx, proc.db, jobId, err.Error())
		if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobFailed); err != nil {
			slog.Error("error marking job as failed", "job_id", jobId, "error", err)
		}
		return err
	}

	if err := database.UpdateJobStatus(ctx, proc.db, jobId, database.JobCompleted); err != nil {
		return fmt.Errorf("error marking job as completed: %w", err)
	}

	slog.Info("completed validation job", "job_id", jobId)
	return nil
}

func (proc *TaskProcessor) runValidation(ctx context.Context, job *database.ValidationJob) error {
	var inputs database.JobInputs
	if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
		return fmt.Errorf("error unmarshalling job inputs: %w", err)
	}
	if inputs.MapKey == "" || inputs.ModelKey == "" || inputs.SequenceKey == "" {
		return fmt.Errorf("job %s is missing required inputs (map, model, sequence)", job.Id)
	}

	workDir, err := os.MkdirTemp("", "validation-"+job.Id.String())
	if err != nil {
		return fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	staged, err := proc.stageInputs(ctx, job.Id, inputs, workDir)
	if err != nil {
		return err
	}

	mapPath, err := proc.prepareVolume(ctx, job, staged.mapPath, workDir)
	if err != nil {
		return err
	}

	resultDir := filepath.Join(workDir, "results")
	if err := os.MkdirAll(resultDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating result dir: %w", err)
	}

	scorePath, err := proc.runPredictor(ctx, job, mapPath, staged, resultDir)
	if err != nil {
		return err
	}

	residueScores, err := scores.ParseFile(scorePath)
	if err != nil {
		return fmt.Errorf("error parsing predictor scores: %w", err)
	}

	if err := proc.annotateModel(job, staged.modelPath, residueScores, resultDir); err != nil {
		return err
	}

	if err := proc.storage.UploadDir(ctx, proc.resultBucket, job.Id.String(), resultDir); err != nil {
		return fmt.Errorf("error uploading results: %w", err)
	}

	return nil
}

type stagedInputs struct {
	mapPath      string
	modelPath    string
	sequencePath string
	auxModelPath string
}

func (proc *TaskProcessor) stageInputs(ctx context.Context, jobId uuid.UUID, inputs database.JobInputs, workDir string) (stagedInputs, error) {
	var staged stagedInputs

	staged.mapPath = filepath.Join(workDir, filepath.Base(inputs.MapKey))
	if err := proc.storage.DownloadObject(ctx, proc.uploadBucket, inputs.MapKey, staged.mapPath); err != nil {
		return staged, fmt.Errorf("error downloading map: %w", err)
	}

	staged.modelPath = filepath.Join(workDir, filepath.Base(inputs.ModelKey))
	if err := proc.storage.DownloadObject(ctx, proc.uploadBucket, inputs.ModelKey, staged.modelPath); err != nil {
		return staged, fmt.Errorf("error downloading model: %w", err)
	}

	rawSequence := filepath.Join(workDir, "raw_"+filepath.Base(inputs.SequenceKey))
	if err := proc.storage.DownloadObject(ctx, proc.uploadBucket, inputs.SequenceKey, rawSequence); err != nil {
		return staged, fmt.Errorf("error downloading sequence: %w", err)
	}
	staged.sequencePath = filepath.Join(workDir, "sequence.fasta")
	if err := StageSequence(rawSequence, staged.sequencePath); err != nil {
		return staged, fmt.Errorf("error staging sequence: %w", err)
	}

	if inputs.AuxModelKey != "" {
		staged.auxModelPath = filepath.Join(workDir, filepath.Base(inputs.AuxModelKey))
		if err := proc.storage.DownloadObject(ctx, proc.uploadBucket, inputs.AuxModelKey, staged.auxModelPath); err != nil {
			return staged, fmt.Errorf("error downloading auxiliary model: %w", err)
		}
	}

	return staged, nil
}

// prepareVolume normalizes the submitted map into a run-local mrc named
// after the job, then optionally resamples it. The job id becomes the
// volume base name, which keeps the predictor's shared staging subtree
// unique per job.
func (proc *TaskProcessor) prepareVolume(ctx context.Context, job *database.ValidationJob, srcMap, workDir string) (string, error) {
	geo := volume.Geometry{
		SamplingRate: job.SamplingRate,
		OriginShift:  [3]float64{job.OriginX, job.OriginY, job.OriginZ},
	}

	normPath := filepath.Join(workDir, job.Id.String()+".mrc")
	if err := volume.Normalize(srcMap, normPath, geo); err != nil {
		return "", fmt.Errorf("error normalizing volume: %w", err)
	}

	if !job.Resample {
		return normPath, nil
	}

	target := job.TargetRate
	if target <= 0 {
		target = volume.DefaultTargetRate
	}
	if target == job.SamplingRate {
		return normPath, nil
	}

	// A missing ChimeraX is an environment warning, not a job failure:
	// the predictor runs on the unresampled map.
	if proc.resampler == nil || !proc.resampler.Installed() {
		slog.Warn("chimerax not available, skipping resample", "job_id", job.Id, "target_rate", target)
		return normPath, nil
	}

	resampled := filepath.Join(workDir, job.Id.String()+"_resampled.mrc")
	if err := proc.resampler.Resample(ctx, normPath, target, resampled); err != nil {
		return "", fmt.Errorf("error resampling volume: %w", err)
	}
	return resampled, nil
}

func (proc *TaskProcessor) runPredictor(ctx context.Context, job *database.ValidationJob, mapPath string, staged stagedInputs, resultDir string) (string, error) {
	// The predictor writes into a staging tree shared by every run on the
	// installation, so the lock is held from launch until the output has
	// been relocated.
	lock, err := predictor.LockStaging(ctx, proc.runner.InstallDir())
	if err != nil {
		return "", fmt.Errorf("error acquiring predictor staging lock: %w", err)
	}
	defer lock.Unlock()

	spec := &predictor.JobSpec{
		MapPath:      mapPath,
		SequencePath: staged.sequencePath,
		AuxModelPath: staged.auxModelPath,
		ContourLevel: job.ContourLevel,
		OutputDir:    filepath.Dir(mapPath),
	}

	if err := proc.runner.Run(ctx, spec, predictor.Invocation{}); err != nil {
		return "", fmt.Errorf("predictor run failed: %w", err)
	}

	volumeBase := trimVolumeExt(filepath.Base(mapPath))
	scorePath, err := proc.runner.CollectOutput(volumeBase, filepath.Join(resultDir, "prediction"))
	if err != nil {
		return "", fmt.Errorf("error collecting predictor output: %w", err)
	}
	return scorePath, nil
}

func trimVolumeExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func (proc *TaskProcessor) annotateModel(job *database.ValidationJob, modelPath string, residueScores scores.ScoreMap, resultDir string) error {
	structure, err := cif.LoadStructure(modelPath)
	if err != nil {
		return fmt.Errorf("error loading model structure: %w", err)
	}

	attrName := job.AttributeName
	if attrName == "" {
		attrName = DefaultAttributeName
	}

	matched, err := cif.AddResidueAttribute(structure, attrName, residueScores)
	if err != nil {
		return fmt.Errorf("error injecting score attribute: %w", err)
	}
	slog.Info("annotated model with residue scores", "job_id", job.Id, "attribute", attrName, "residues", matched)

	annotated := filepath.Join(resultDir, "annotated.cif")
	if err := structure.WriteFile(annotated); err != nil {
		return fmt.Errorf("error writing annotated model: %w", err)
	}

	defattr := filepath.Join(resultDir, cif.AttrFileName(attrName))
	if err := cif.WriteDefattr(defattr, attrName, structure); err != nil {
		return fmt.Errorf("error writing defattr sidecar: %w", err)
	}

	return nil
}
