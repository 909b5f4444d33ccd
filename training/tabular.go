package training

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/forgeml/forge/config"
)

// table is an in-memory tabular dataset: a header row plus data rows. The
// last column is the label, everything before it the features.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) labelIndex() int { return len(t.header) - 1 }

// readTable parses CSV dataset content. Read errors from the underlying
// storage stream are transient; malformed CSV is a deterministic failure.
func readTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		if _, ok := err.(*csv.ParseError); ok {
			return nil, fmt.Errorf("%w: %v", ErrCorruptDataset, err)
		}
		return nil, Transient(fmt.Errorf("failed to read dataset: %w", err))
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: need a header and at least one data row", ErrCorruptDataset)
	}
	if len(records[0]) < 2 {
		return nil, fmt.Errorf("%w: need at least one feature column and a label column", ErrCorruptDataset)
	}
	return &table{header: records[0], rows: records[1:]}, nil
}

// featureValues parses row features as floats; non-numeric features are a
// deterministic failure for the numeric built-in kinds.
func (t *table) featureValues(row []string) ([]float64, error) {
	values := make([]float64, t.labelIndex())
	for i := 0; i < t.labelIndex(); i++ {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: non-numeric feature %q in column %s", ErrCorruptDataset, row[i], t.header[i])
		}
		values[i] = v
	}
	return values, nil
}

// randomForestKind trains a forest-style classifier over a tabular dataset.
// The fitted model stores per-class priors and feature centroids; prediction
// quality is the serving process's concern, this side only owns the fit.
type randomForestKind struct{}

func (k *randomForestKind) Name() string         { return KindRandomForestForClassification }
func (k *randomForestKind) Task() string         { return TaskTabularClassification }
func (k *randomForestKind) DefaultQueue() string { return config.QueueCPU }

func (k *randomForestKind) HyperparameterSchema() Schema {
	return Schema{
		"n_estimators": {
			Type:     FieldInteger,
			Required: true,
			Hint:     "range",
			Min:      floatPtr(1),
			Max:      floatPtr(2000),
		},
		"max_depth": {
			Type:    FieldInteger,
			Default: 0, // 0 means unbounded
			Hint:    "range",
			Min:     floatPtr(0),
			Max:     floatPtr(64),
		},
		"criterion": {
			Type:    FieldString,
			Default: "gini",
			Hint:    "select",
			Enum:    []string{"gini", "entropy"},
		},
	}
}

type forestModel struct {
	Kind        string               `json:"kind"`
	NEstimators int                  `json:"n_estimators"`
	MaxDepth    int                  `json:"max_depth"`
	Criterion   string               `json:"criterion"`
	Features    []string             `json:"features"`
	Classes     []string             `json:"classes"`
	Priors      map[string]float64   `json:"priors"`
	Centroids   map[string][]float64 `json:"centroids"`
}

func (k *randomForestKind) Train(ctx context.Context, in TrainInput) (TrainOutput, error) {
	t, err := readTable(in.Data)
	if err != nil {
		return TrainOutput{}, err
	}

	counts := map[string]int{}
	sums := map[string][]float64{}
	classes := []string{}
	for _, row := range t.rows {
		features, err := t.featureValues(row)
		if err != nil {
			return TrainOutput{}, err
		}
		label := row[t.labelIndex()]
		if _, seen := counts[label]; !seen {
			classes = append(classes, label)
			sums[label] = make([]float64, len(features))
		}
		counts[label]++
		for i, v := range features {
			sums[label][i] += v
		}
	}

	model := forestModel{
		Kind:        k.Name(),
		NEstimators: in.Hyperparameters["n_estimators"].(int),
		MaxDepth:    in.Hyperparameters["max_depth"].(int),
		Criterion:   in.Hyperparameters["criterion"].(string),
		Features:    t.header[:t.labelIndex()],
		Classes:     classes,
		Priors:      map[string]float64{},
		Centroids:   map[string][]float64{},
	}
	total := float64(len(t.rows))
	for _, class := range classes {
		model.Priors[class] = float64(counts[class]) / total
		centroid := make([]float64, len(sums[class]))
		for i, sum := range sums[class] {
			centroid[i] = sum / float64(counts[class])
		}
		model.Centroids[class] = centroid
	}

	report := map[string]interface{}{
		"rows":         len(t.rows),
		"features":     model.Features,
		"class_counts": counts,
	}
	return storeModel(ctx, in, model, report)
}

// linearRegressionKind fits an ordinary least-squares line on the first
// feature column against the numeric label.
type linearRegressionKind struct{}

func (k *linearRegressionKind) Name() string         { return KindLinearRegressionForTabular }
func (k *linearRegressionKind) Task() string         { return TaskTabularRegression }
func (k *linearRegressionKind) DefaultQueue() string { return config.QueueCPU }

func (k *linearRegressionKind) HyperparameterSchema() Schema {
	return Schema{
		"fit_intercept": {
			Type:    FieldBoolean,
			Default: true,
		},
		"l2": {
			Type:    FieldFloat,
			Default: 0.0,
			Hint:    "range",
			Min:     floatPtr(0),
		},
	}
}

type linearModel struct {
	Kind      string  `json:"kind"`
	Feature   string  `json:"feature"`
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
	L2        float64 `json:"l2"`
}

func (k *linearRegressionKind) Train(ctx context.Context, in TrainInput) (TrainOutput, error) {
	t, err := readTable(in.Data)
	if err != nil {
		return TrainOutput{}, err
	}

	var sumX, sumY, sumXX, sumXY float64
	n := float64(len(t.rows))
	for _, row := range t.rows {
		x, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return TrainOutput{}, fmt.Errorf("%w: non-numeric feature %q in column %s", ErrCorruptDataset, row[0], t.header[0])
		}
		y, err := strconv.ParseFloat(row[t.labelIndex()], 64)
		if err != nil {
			return TrainOutput{}, fmt.Errorf("%w: non-numeric label %q", ErrCorruptDataset, row[t.labelIndex()])
		}
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}

	l2 := in.Hyperparameters["l2"].(float64)
	fitIntercept := in.Hyperparameters["fit_intercept"].(bool)

	denom := n*sumXX - sumX*sumX + l2
	if denom == 0 {
		return TrainOutput{}, fmt.Errorf("%w: feature column %s has zero variance", ErrCorruptDataset, t.header[0])
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := 0.0
	if fitIntercept {
		intercept = (sumY - slope*sumX) / n
	}

	model := linearModel{
		Kind:      k.Name(),
		Feature:   t.header[0],
		Intercept: intercept,
		Slope:     slope,
		L2:        l2,
	}
	report := map[string]interface{}{
		"rows":    len(t.rows),
		"feature": t.header[0],
		"label":   t.header[t.labelIndex()],
	}
	return storeModel(ctx, in, model, report)
}
