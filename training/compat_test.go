package training

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgeml/forge/config"
)

func TestDatasetCompatible(t *testing.T) {
	// Tabular tasks take tabular data only.
	assert.True(t, DatasetCompatible(TaskTabularClassification, config.DatasetKindTabular))
	assert.False(t, DatasetCompatible(TaskTabularClassification, config.DatasetKindGeneric))
	assert.False(t, DatasetCompatible(TaskTabularClassification, config.DatasetKindTimeseries))

	// Forecasting reads timeseries data, or tabular data with a time column.
	assert.True(t, DatasetCompatible(TaskTimeseriesForecasting, config.DatasetKindTimeseries))
	assert.True(t, DatasetCompatible(TaskTimeseriesForecasting, config.DatasetKindTabular))
	assert.False(t, DatasetCompatible(TaskTimeseriesForecasting, config.DatasetKindGeneric))

	assert.False(t, DatasetCompatible("image_segmentation", config.DatasetKindTabular))
}

func TestModelCompatible(t *testing.T) {
	assert.True(t, ModelCompatible(TaskTabularRegression, TaskTabularRegression))
	assert.False(t, ModelCompatible(TaskTabularRegression, TaskTabularClassification))
	assert.False(t, ModelCompatible("image_segmentation", "image_segmentation"))
}

func TestValidTask(t *testing.T) {
	assert.True(t, ValidTask(TaskTabularClassification))
	assert.True(t, ValidTask(TaskTabularRegression))
	assert.True(t, ValidTask(TaskTimeseriesForecasting))
	assert.False(t, ValidTask(""))
	assert.False(t, ValidTask("image_segmentation"))
}
