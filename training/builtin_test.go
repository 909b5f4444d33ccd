package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink collects artifacts in memory.
type memorySink struct {
	objects map[string][]byte
	fail    bool
}

func newMemorySink() *memorySink {
	return &memorySink{objects: map[string][]byte{}}
}

func (s *memorySink) Put(ctx context.Context, name string, content []byte, contentType string) (string, error) {
	if s.fail {
		return "", fmt.Errorf("storage unavailable")
	}
	s.objects[name] = content
	return "s3://models/" + name, nil
}

func validated(t *testing.T, kind Kind, raw map[string]interface{}) map[string]interface{} {
	t.Helper()
	normalized, err := kind.HyperparameterSchema().Validate(raw)
	require.NoError(t, err)
	return normalized
}

func TestRandomForestTrain(t *testing.T) {
	kind := &randomForestKind{}
	data := strings.Join([]string{
		"sepal_length,sepal_width,species",
		"5.1,3.5,setosa",
		"4.9,3.0,setosa",
		"6.3,3.3,virginica",
		"6.5,3.0,virginica",
	}, "\n")
	sink := newMemorySink()

	out, err := kind.Train(context.Background(), TrainInput{
		JobID:           7,
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{"n_estimators": 10}),
		Artifacts:       sink,
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://models/7/model.json", out.ModelURI)
	assert.Equal(t, "s3://models/7/report.json", out.ReportURI)
	assert.Greater(t, out.Size, int64(0))

	var model forestModel
	require.NoError(t, json.Unmarshal(sink.objects["7/model.json"], &model))
	assert.Equal(t, KindRandomForestForClassification, model.Kind)
	assert.Equal(t, 10, model.NEstimators)
	assert.Equal(t, "gini", model.Criterion)
	assert.Equal(t, []string{"sepal_length", "sepal_width"}, model.Features)
	assert.ElementsMatch(t, []string{"setosa", "virginica"}, model.Classes)
	assert.InDelta(t, 0.5, model.Priors["setosa"], 1e-9)
	assert.InDelta(t, 5.0, model.Centroids["setosa"][0], 1e-9)
}

func TestRandomForestTrain_NonNumericFeature(t *testing.T) {
	kind := &randomForestKind{}
	data := "a,b,label\nx,2,yes\n"

	_, err := kind.Train(context.Background(), TrainInput{
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{"n_estimators": 10}),
		Artifacts:       newMemorySink(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptDataset))
}

func TestLinearRegressionTrain(t *testing.T) {
	kind := &linearRegressionKind{}
	// y = 2x + 1
	data := "x,y\n1,3\n2,5\n3,7\n4,9\n"
	sink := newMemorySink()

	out, err := kind.Train(context.Background(), TrainInput{
		JobID:           3,
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{}),
		Artifacts:       sink,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.ModelURI)

	var model linearModel
	require.NoError(t, json.Unmarshal(sink.objects["3/model.json"], &model))
	assert.InDelta(t, 2.0, model.Slope, 1e-9)
	assert.InDelta(t, 1.0, model.Intercept, 1e-9)
}

func TestLinearRegressionTrain_ZeroVariance(t *testing.T) {
	kind := &linearRegressionKind{}
	data := "x,y\n2,3\n2,5\n2,7\n"

	_, err := kind.Train(context.Background(), TrainInput{
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{}),
		Artifacts:       newMemorySink(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptDataset))
}

func TestSeasonalNaiveTrain(t *testing.T) {
	kind := &seasonalNaiveKind{}
	data := "ts,value\n1,10\n2,20\n3,30\n4,40\n"
	sink := newMemorySink()

	_, err := kind.Train(context.Background(), TrainInput{
		JobID:           9,
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{"season_length": 2}),
		Artifacts:       sink,
	})
	require.NoError(t, err)

	var model seasonalNaiveModel
	require.NoError(t, json.Unmarshal(sink.objects["9/model.json"], &model))
	assert.Equal(t, 2, model.SeasonLength)
	assert.Equal(t, 1, model.Horizon)
	assert.Equal(t, []float64{30, 40}, model.LastSeason)
}

func TestSeasonalNaiveTrain_ShorterThanSeason(t *testing.T) {
	kind := &seasonalNaiveKind{}
	data := "ts,value\n1,10\n2,20\n"

	_, err := kind.Train(context.Background(), TrainInput{
		Data:            strings.NewReader(data),
		Hyperparameters: validated(t, kind, map[string]interface{}{"season_length": 5}),
		Artifacts:       newMemorySink(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptDataset))
}

func TestTrain_EmptyDataset(t *testing.T) {
	kind := &randomForestKind{}

	_, err := kind.Train(context.Background(), TrainInput{
		Data:            strings.NewReader("a,b,label\n"),
		Hyperparameters: validated(t, kind, map[string]interface{}{"n_estimators": 10}),
		Artifacts:       newMemorySink(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptDataset))
}

func TestTrain_StorageFailureIsTransient(t *testing.T) {
	kind := &linearRegressionKind{}
	sink := newMemorySink()
	sink.fail = true

	_, err := kind.Train(context.Background(), TrainInput{
		Data:            strings.NewReader("x,y\n1,3\n2,5\n"),
		Hyperparameters: validated(t, kind, map[string]interface{}{}),
		Artifacts:       sink,
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
