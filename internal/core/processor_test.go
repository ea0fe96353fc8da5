package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"emqa-backend/internal/core/predictor"
	"emqa-backend/internal/core/volume"
	"emqa-backend/internal/database"
	"emqa-backend/internal/messaging"
	"emqa-backend/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testUploadBucket = "uploads"
	testResultBucket = "results"
)

func createDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

// testMap is a minimal 4x4x4 mode-2 volume with a plausible header.
func testMap(t *testing.T, path string) {
	t.Helper()
	header := make([]byte, 1024)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(header[i*4:], 4)    // dims
		binary.LittleEndian.PutUint32(header[28+i*4:], 4) // grid size
	}
	binary.LittleEndian.PutUint32(header[12:], 2) // mode
	copy(header[208:], "MAP ")

	data := make([]byte, 4*4*4*4)
	require.NoError(t, os.WriteFile(path, append(header, data...), 0644))
}

const testModelCif = `data_model
#
loop_
_atom_site.group_PDB
_atom_site.id
_atom_site.auth_asym_id
_atom_site.auth_seq_id
ATOM 1 A 10
ATOM 2 A 11
#
`

// installFakePredictor writes a launcher that ignores everything except -m
// and stages a one-residue score file the way the real tool lays out its
// output tree.
func installFakePredictor(t *testing.T, installDir string) *predictor.Runner {
	t.Helper()

	scoreLine := make([]byte, 66)
	for i := range scoreLine {
		scoreLine[i] = ' '
	}
	copy(scoreLine[0:], "ATOM")
	copy(scoreLine[21:], "A")
	copy(scoreLine[24:], "10")
	copy(scoreLine[61:], "0.420")

	script := fmt.Sprintf(`#!/bin/bash
while [ $# -gt 0 ]; do
  if [ "$1" = "-m" ]; then map="$2"; fi
  shift
done
base=$(basename "$map")
base="${base%%.mrc}"
dir="$(pwd)/Predict_Result/$base"
mkdir -p "$dir"
printf '%%s\n' '%s' > "$dir/DMM_score_w9.pdb"
`, string(scoreLine))

	launcher := filepath.Join(installDir, "dmm_full_multithreads.sh")
	require.NoError(t, os.WriteFile(launcher, []byte(script), 0755))

	return predictor.NewRunner(predictor.Config{InstallDir: installDir})
}

// installFakeChimerax writes a chimerax stand-in that reads the generated
// command script, copies the opened map to the save path, and records the
// requested spacing.
func installFakeChimerax(t *testing.T, spacingFile string) *volume.Resampler {
	t.Helper()

	script := fmt.Sprintf(`#!/bin/bash
cxc="$3"
in=$(awk '/^open /{print $2}' "$cxc")
out=$(awk '/^save /{print $2}' "$cxc")
awk '/^vol resample /{print $NF}' "$cxc" > %s
cp "$in" "$out"
`, spacingFile)

	program := filepath.Join(t.TempDir(), "chimerax")
	require.NoError(t, os.WriteFile(program, []byte(script), 0755))
	return &volume.Resampler{Program: program}
}

func setupJob(t *testing.T, db *gorm.DB, store storage.ObjectStore, resample bool) *database.ValidationJob {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateBucket(ctx, testUploadBucket))
	require.NoError(t, store.CreateBucket(ctx, testResultBucket))

	jobId := uuid.New()

	mapPath := filepath.Join(t.TempDir(), "emd_1234.map")
	testMap(t, mapPath)
	mapData, err := os.ReadFile(mapPath)
	require.NoError(t, err)

	inputs := database.JobInputs{
		MapKey:      jobId.String() + "/emd_1234.map",
		ModelKey:    jobId.String() + "/model.cif",
		SequenceKey: jobId.String() + "/sequence.fasta",
	}
	require.NoError(t, store.PutObject(ctx, testUploadBucket, inputs.MapKey, bytes.NewReader(mapData)))
	require.NoError(t, store.PutObject(ctx, testUploadBucket, inputs.ModelKey, bytes.NewReader([]byte(testModelCif))))
	require.NoError(t, store.PutObject(ctx, testUploadBucket, inputs.SequenceKey, bytes.NewReader([]byte(">chain A\nMKV\n"))))

	inputsJson, err := json.Marshal(inputs)
	require.NoError(t, err)

	job := &database.ValidationJob{
		Id:           jobId,
		Name:         "test-job",
		Status:       database.JobQueued,
		ContourLevel: 0.15,
		SamplingRate: 1.5,
		Resample:     resample,
		Inputs:       inputsJson,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestProcessValidationTask(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()
	runner := installFakePredictor(t, t.TempDir())

	job := setupJob(t, db, store, false)

	proc := NewTaskProcessor(db, store, queue, queue, runner, nil, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var updated database.ValidationJob
	require.NoError(t, db.First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobCompleted, updated.Status)
	assert.True(t, updated.CompletionTime.Valid)

	ctx := context.Background()

	annotated, err := store.GetObject(ctx, testResultBucket, job.Id.String()+"/annotated.cif")
	require.NoError(t, err)
	assert.Contains(t, string(annotated), "_emqa_score.value")
	assert.Contains(t, string(annotated), "0.420")

	defattr, err := store.GetObject(ctx, testResultBucket, job.Id.String()+"/emqa_score.defattr")
	require.NoError(t, err)
	assert.Contains(t, string(defattr), "attribute: emqa_score")
	assert.Contains(t, string(defattr), "/A:10")

	_, err = store.GetObject(ctx, testResultBucket, job.Id.String()+"/prediction/DMM_score_w9.pdb")
	require.NoError(t, err)

	// The shared staging tree must be left clean for the next run.
	_, err = os.Stat(runner.StagingDir(job.Id.String()))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessValidationTaskPredictorFailure(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()

	installDir := t.TempDir()
	launcher := filepath.Join(installDir, "dmm_full_multithreads.sh")
	require.NoError(t, os.WriteFile(launcher, []byte("#!/bin/bash\nexit 3\n"), 0755))
	runner := predictor.NewRunner(predictor.Config{InstallDir: installDir})

	job := setupJob(t, db, store, false)

	proc := NewTaskProcessor(db, store, queue, queue, runner, nil, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var updated database.ValidationJob
	require.NoError(t, db.Preload("Errors").First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobFailed, updated.Status)
	require.NotEmpty(t, updated.Errors)
	assert.Contains(t, updated.Errors[0].Error, "predictor run failed")
}

func TestProcessValidationTaskResampleSkippedWithoutChimerax(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()
	runner := installFakePredictor(t, t.TempDir())

	job := setupJob(t, db, store, true)

	proc := NewTaskProcessor(db, store, queue, queue, runner, nil, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	// Missing chimerax is only an environment warning: the predictor runs
	// on the unresampled map and the job still completes.
	var updated database.ValidationJob
	require.NoError(t, db.Preload("Errors").First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobCompleted, updated.Status)
	assert.Empty(t, updated.Errors)

	_, err = store.GetObject(context.Background(), testResultBucket, job.Id.String()+"/prediction/DMM_score_w9.pdb")
	require.NoError(t, err)
}

func TestProcessValidationTaskResamplesToTargetRate(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()
	runner := installFakePredictor(t, t.TempDir())

	spacingFile := filepath.Join(t.TempDir(), "spacing")
	resampler := installFakeChimerax(t, spacingFile)

	job := setupJob(t, db, store, true)

	proc := NewTaskProcessor(db, store, queue, queue, runner, resampler, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var updated database.ValidationJob
	require.NoError(t, db.First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobCompleted, updated.Status)

	// With target_rate unset the 1.0 A default applies, distinct from the
	// submitted 1.5 A map, so chimerax must have been asked for spacing 1.
	spacing, err := os.ReadFile(spacingFile)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(string(spacing)))

	_, err = store.GetObject(context.Background(), testResultBucket, job.Id.String()+"/prediction/DMM_score_w9.pdb")
	require.NoError(t, err)
}

func TestProcessValidationTaskResampleNoopAtTargetRate(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()
	runner := installFakePredictor(t, t.TempDir())

	// A chimerax that always fails: the job can only complete if the
	// resample is skipped outright.
	program := filepath.Join(t.TempDir(), "chimerax")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/bash\nexit 1\n"), 0755))
	resampler := &volume.Resampler{Program: program}

	job := setupJob(t, db, store, true)
	require.NoError(t, db.Model(&database.ValidationJob{Id: job.Id}).Update("target_rate", job.SamplingRate).Error)

	proc := NewTaskProcessor(db, store, queue, queue, runner, resampler, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var updated database.ValidationJob
	require.NoError(t, db.First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobCompleted, updated.Status, "map already at target rate is not resampled")
}

func TestProcessValidationTaskSkipsDeletedJob(t *testing.T) {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()
	runner := installFakePredictor(t, t.TempDir())

	job := setupJob(t, db, store, false)
	require.NoError(t, db.Model(&database.ValidationJob{Id: job.Id}).Update("deleted", true).Error)

	proc := NewTaskProcessor(db, store, queue, queue, runner, nil, testUploadBucket, testResultBucket)

	require.NoError(t, queue.PublishValidationTask(context.Background(), messaging.ValidationTaskPayload{JobId: job.Id}))
	proc.ProcessTask(<-queue.Tasks())

	var updated database.ValidationJob
	require.NoError(t, db.First(&updated, "id = ?", job.Id).Error)
	assert.Equal(t, database.JobQueued, updated.Status, "deleted jobs are acked without running")
}
