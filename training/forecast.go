package training

import (
	"context"
	"fmt"
	"strconv"

	"github.com/forgeml/forge/config"
)

// seasonalNaiveKind forecasts each step of the horizon with the value
// observed one season earlier. The fitted model is the last full season of
// the label column.
type seasonalNaiveKind struct{}

func (k *seasonalNaiveKind) Name() string         { return KindSeasonalNaiveForecaster }
func (k *seasonalNaiveKind) Task() string         { return TaskTimeseriesForecasting }
func (k *seasonalNaiveKind) DefaultQueue() string { return config.QueueCPU }

func (k *seasonalNaiveKind) HyperparameterSchema() Schema {
	return Schema{
		"season_length": {
			Type:     FieldInteger,
			Required: true,
			Hint:     "range",
			Min:      floatPtr(1),
		},
		"horizon": {
			Type:    FieldInteger,
			Default: 1,
			Hint:    "range",
			Min:     floatPtr(1),
		},
	}
}

type seasonalNaiveModel struct {
	Kind         string    `json:"kind"`
	SeasonLength int       `json:"season_length"`
	Horizon      int       `json:"horizon"`
	LastSeason   []float64 `json:"last_season"`
}

func (k *seasonalNaiveKind) Train(ctx context.Context, in TrainInput) (TrainOutput, error) {
	t, err := readTable(in.Data)
	if err != nil {
		return TrainOutput{}, err
	}

	seasonLength := in.Hyperparameters["season_length"].(int)
	if len(t.rows) < seasonLength {
		return TrainOutput{}, fmt.Errorf("%w: %d rows is shorter than one season (%d)", ErrCorruptDataset, len(t.rows), seasonLength)
	}

	season := make([]float64, 0, seasonLength)
	for _, row := range t.rows[len(t.rows)-seasonLength:] {
		v, err := strconv.ParseFloat(row[t.labelIndex()], 64)
		if err != nil {
			return TrainOutput{}, fmt.Errorf("%w: non-numeric value %q in column %s", ErrCorruptDataset, row[t.labelIndex()], t.header[t.labelIndex()])
		}
		season = append(season, v)
	}

	model := seasonalNaiveModel{
		Kind:         k.Name(),
		SeasonLength: seasonLength,
		Horizon:      in.Hyperparameters["horizon"].(int),
		LastSeason:   season,
	}
	report := map[string]interface{}{
		"rows":          len(t.rows),
		"season_length": seasonLength,
	}
	return storeModel(ctx, in, model, report)
}
