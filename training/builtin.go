package training

import (
	"context"
	"encoding/json"
	"fmt"
)

// Builtin kind identifiers.
const (
	KindRandomForestForClassification = "RandomForestForClassification"
	KindLinearRegressionForTabular    = "LinearRegressionForTabular"
	KindSeasonalNaiveForecaster       = "SeasonalNaiveForecaster"
)

// RegisterBuiltins registers every built-in model kind. Called once at
// process start; explicit registration keeps the catalog independent of
// import order.
func RegisterBuiltins(r *Registry) {
	r.Register(&randomForestKind{})
	r.Register(&linearRegressionKind{})
	r.Register(&seasonalNaiveKind{})
}

// NewBuiltinRegistry is a convenience for the common startup path.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// storeModel serializes the fitted model and its training report, writes
// both through the artifact sink, and assembles the train output.
func storeModel(ctx context.Context, in TrainInput, model interface{}, report interface{}) (TrainOutput, error) {
	modelBytes, err := json.Marshal(model)
	if err != nil {
		return TrainOutput{}, fmt.Errorf("failed to serialize model: %w", err)
	}
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return TrainOutput{}, fmt.Errorf("failed to serialize report: %w", err)
	}

	modelURI, err := in.Artifacts.Put(ctx, fmt.Sprintf("%d/model.json", in.JobID), modelBytes, "application/json")
	if err != nil {
		return TrainOutput{}, Transient(fmt.Errorf("failed to store model artifact: %w", err))
	}
	reportURI, err := in.Artifacts.Put(ctx, fmt.Sprintf("%d/report.json", in.JobID), reportBytes, "application/json")
	if err != nil {
		return TrainOutput{}, Transient(fmt.Errorf("failed to store training report: %w", err))
	}

	return TrainOutput{
		ModelURI:  modelURI,
		ReportURI: reportURI,
		Size:      int64(len(modelBytes)),
	}, nil
}
