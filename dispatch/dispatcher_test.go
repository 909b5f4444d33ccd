package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/training"
)

type dispatchFixture struct {
	db         *gorm.DB
	repo       *repository.Repository
	dispatcher *Dispatcher
	dataset    *config.Dataset
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.AutoMigrate(db))

	repo := repository.NewRepository(db)
	registry := training.NewBuiltinRegistry()

	uri := "s3://datasets/1/iris.csv"
	dataset := &config.Dataset{Name: "iris", Kind: config.DatasetKindTabular, URI: &uri}
	require.NoError(t, db.Create(dataset).Error)

	return &dispatchFixture{
		db:         db,
		repo:       repo,
		dispatcher: NewDispatcher(repo, registry),
		dataset:    dataset,
	}
}

func validSubmit(f *dispatchFixture) SubmitRequest {
	return SubmitRequest{
		Name:            "iris-classifier",
		Kind:            training.KindRandomForestForClassification,
		Task:            training.TaskTabularClassification,
		DatasetID:       f.dataset.ID,
		Hyperparameters: map[string]interface{}{"n_estimators": 50},
	}
}

func (f *dispatchFixture) countRows(t *testing.T) (models, jobs, outbox int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&config.Model{}).Count(&models).Error)
	require.NoError(t, f.db.Model(&config.TrainingJob{}).Count(&jobs).Error)
	require.NoError(t, f.db.Model(&config.TaskOutbox{}).Count(&outbox).Error)
	return
}

func TestSubmit_Success(t *testing.T) {
	f := newDispatchFixture(t)

	jobID, err := f.dispatcher.Submit(context.Background(), validSubmit(f))
	require.NoError(t, err)
	require.NotZero(t, jobID)

	job, err := f.repo.GetTrainingJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, config.JobStatusQueued, job.Status)
	assert.Equal(t, config.QueueCPU, job.Queue, "kind default queue applies when no override given")
	assert.JSONEq(t, `{"n_estimators":50,"max_depth":0,"criterion":"gini"}`, job.Hyperparameters)

	models, jobs, outbox := f.countRows(t)
	assert.Equal(t, int64(1), models)
	assert.Equal(t, int64(1), jobs)
	assert.Equal(t, int64(1), outbox)
}

func TestSubmit_QueueOverride(t *testing.T) {
	f := newDispatchFixture(t)

	req := validSubmit(f)
	req.Queue = config.QueueGPUT4
	jobID, err := f.dispatcher.Submit(context.Background(), req)
	require.NoError(t, err)

	job, err := f.repo.GetTrainingJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, config.QueueGPUT4, job.Queue)
}

func TestSubmit_RejectionsWriteNothing(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	notReady := &config.Dataset{Name: "pending", Kind: config.DatasetKindTabular}
	require.NoError(t, f.db.Create(notReady).Error)
	tsURI := "s3://datasets/ts.csv"
	timeseries := &config.Dataset{Name: "metrics", Kind: config.DatasetKindTimeseries, URI: &tsURI}
	require.NoError(t, f.db.Create(timeseries).Error)

	parentURI := "s3://models/p/model.json"
	forecastParent := &config.Model{Name: "fc", Task: training.TaskTimeseriesForecasting, Kind: training.KindSeasonalNaiveForecaster, URI: &parentURI}
	require.NoError(t, f.db.Create(forecastParent).Error)
	missingParent := uint(9999)

	cases := []struct {
		name    string
		mutate  func(*SubmitRequest)
		wantErr error
	}{
		{
			name:    "unknown kind",
			mutate:  func(r *SubmitRequest) { r.Kind = "GradientBoostedSomething" },
			wantErr: training.ErrUnknownKind,
		},
		{
			name:    "task mismatch",
			mutate:  func(r *SubmitRequest) { r.Task = training.TaskTabularRegression },
			wantErr: ErrTaskMismatch,
		},
		{
			name:    "missing parent",
			mutate:  func(r *SubmitRequest) { r.DerivedFromID = &missingParent },
			wantErr: ErrParentNotFound,
		},
		{
			name:    "parent solves another task",
			mutate:  func(r *SubmitRequest) { r.DerivedFromID = &forecastParent.ID },
			wantErr: ErrIncompatibleLineage,
		},
		{
			name:    "dataset kind incompatible",
			mutate:  func(r *SubmitRequest) { r.DatasetID = timeseries.ID },
			wantErr: ErrIncompatibleDataset,
		},
		{
			name:    "dataset missing",
			mutate:  func(r *SubmitRequest) { r.DatasetID = 9999 },
			wantErr: ErrIncompatibleDataset,
		},
		{
			name:    "dataset without committed file",
			mutate:  func(r *SubmitRequest) { r.DatasetID = notReady.ID },
			wantErr: ErrDatasetNotReady,
		},
		{
			name:    "unknown queue override",
			mutate:  func(r *SubmitRequest) { r.Queue = "tpu_v5" },
			wantErr: ErrUnknownQueue,
		},
	}

	modelsBefore, jobsBefore, outboxBefore := f.countRows(t)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit(f)
			tc.mutate(&req)

			_, err := f.dispatcher.Submit(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	models, jobs, outbox := f.countRows(t)
	assert.Equal(t, modelsBefore, models, "rejected submissions must not create models")
	assert.Equal(t, jobsBefore, jobs)
	assert.Equal(t, outboxBefore, outbox)
}

func TestSubmit_InvalidHyperparameters(t *testing.T) {
	f := newDispatchFixture(t)

	req := validSubmit(f)
	req.Hyperparameters = map[string]interface{}{"n_estimators": 50, "learning_rat": 0.1}

	_, err := f.dispatcher.Submit(context.Background(), req)
	require.Error(t, err)

	var invalid *training.InvalidHyperparametersError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Fields, "learning_rat")
}

func TestSubmit_DerivedModel(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	parentID, err := f.dispatcher.Submit(ctx, validSubmit(f))
	require.NoError(t, err)
	parentJob, err := f.repo.GetTrainingJob(ctx, parentID)
	require.NoError(t, err)

	req := validSubmit(f)
	req.Name = "iris-classifier-v2"
	req.DerivedFromID = &parentJob.ModelID
	jobID, err := f.dispatcher.Submit(ctx, req)
	require.NoError(t, err)

	job, err := f.repo.GetTrainingJob(ctx, jobID)
	require.NoError(t, err)
	model, err := f.repo.GetModel(ctx, job.ModelID)
	require.NoError(t, err)
	require.NotNil(t, model.DerivedFromID)
	assert.Equal(t, parentJob.ModelID, *model.DerivedFromID)
}
