package training

import "github.com/forgeml/forge/config"

// Prediction tasks. Projects, models, and training submissions all reference
// one of these.
const (
	TaskTabularClassification = "tabular_classification"
	TaskTabularRegression     = "tabular_regression"
	TaskTimeseriesForecasting = "timeseries_forecasting"
)

// datasetCompat declares which dataset kinds can feed each task. Used both
// for training submissions (keyed by the job's task) and for project links
// (keyed by the project type, which is a task family).
var datasetCompat = map[string][]string{
	TaskTabularClassification: {config.DatasetKindTabular},
	TaskTabularRegression:     {config.DatasetKindTabular},
	TaskTimeseriesForecasting: {config.DatasetKindTimeseries, config.DatasetKindTabular},
}

// ValidTask reports whether task is a known prediction task.
func ValidTask(task string) bool {
	_, ok := datasetCompat[task]
	return ok
}

// DatasetCompatible reports whether a dataset of the given kind can train
// models for the given task.
func DatasetCompatible(task, datasetKind string) bool {
	for _, kind := range datasetCompat[task] {
		if kind == datasetKind {
			return true
		}
	}
	return false
}

// ModelCompatible reports whether a model solving modelTask fits a project
// of the given type. Project types are task families, so this is equality.
func ModelCompatible(projectType, modelTask string) bool {
	return ValidTask(projectType) && projectType == modelTask
}
