package normative

import (
	"github.com/neuroqc/platform/pkg/common/models"
)

// DefaultStore builds a store from composite literature reference values for
// the core anatomical metrics across all five age groups.
func DefaultStore() *Store {
	entries := map[models.AgeGroup]map[string]Entry{
		models.AgeGroupPediatric: {
			models.MetricSNR:     {Mean: 15.2, Std: 3.1, Percentiles: PercentileTable{10.5, 13.2, 15.1, 17.3, 20.8}, SampleSize: 150},
			models.MetricCNR:     {Mean: 3.8, Std: 0.9, Percentiles: PercentileTable{2.3, 3.2, 3.8, 4.4, 5.2}, SampleSize: 150},
			models.MetricFBER:    {Mean: 1420.0, Std: 280.0, Percentiles: PercentileTable{950.0, 1220.0, 1410.0, 1620.0, 1890.0}, SampleSize: 150},
			models.MetricEFC:     {Mean: 0.52, Std: 0.08, Percentiles: PercentileTable{0.38, 0.47, 0.52, 0.57, 0.66}, SampleSize: 150},
			models.MetricFWHMAvg: {Mean: 2.95, Std: 0.35, Percentiles: PercentileTable{2.35, 2.70, 2.94, 3.20, 3.55}, SampleSize: 150},
		},
		models.AgeGroupAdolescent: {
			models.MetricSNR:     {Mean: 16.8, Std: 2.9, Percentiles: PercentileTable{12.1, 14.8, 16.7, 18.9, 22.1}, SampleSize: 200},
			models.MetricCNR:     {Mean: 4.2, Std: 0.8, Percentiles: PercentileTable{2.8, 3.6, 4.2, 4.8, 5.6}, SampleSize: 200},
			models.MetricFBER:    {Mean: 1580.0, Std: 260.0, Percentiles: PercentileTable{1150.0, 1380.0, 1570.0, 1780.0, 2050.0}, SampleSize: 200},
			models.MetricEFC:     {Mean: 0.48, Std: 0.07, Percentiles: PercentileTable{0.36, 0.43, 0.48, 0.53, 0.61}, SampleSize: 200},
			models.MetricFWHMAvg: {Mean: 2.82, Std: 0.32, Percentiles: PercentileTable{2.28, 2.58, 2.81, 3.06, 3.38}, SampleSize: 200},
		},
		models.AgeGroupYoungAdult: {
			models.MetricSNR:     {Mean: 18.5, Std: 2.7, Percentiles: PercentileTable{14.2, 16.8, 18.4, 20.3, 23.2}, SampleSize: 300},
			models.MetricCNR:     {Mean: 4.6, Std: 0.7, Percentiles: PercentileTable{3.4, 4.1, 4.6, 5.1, 5.8}, SampleSize: 300},
			models.MetricFBER:    {Mean: 1750.0, Std: 240.0, Percentiles: PercentileTable{1350.0, 1580.0, 1740.0, 1920.0, 2180.0}, SampleSize: 300},
			models.MetricEFC:     {Mean: 0.45, Std: 0.06, Percentiles: PercentileTable{0.34, 0.41, 0.45, 0.49, 0.56}, SampleSize: 300},
			models.MetricFWHMAvg: {Mean: 2.75, Std: 0.28, Percentiles: PercentileTable{2.25, 2.54, 2.74, 2.96, 3.25}, SampleSize: 300},
		},
		models.AgeGroupMiddleAge: {
			models.MetricSNR:     {Mean: 17.9, Std: 3.2, Percentiles: PercentileTable{12.8, 15.9, 17.8, 19.8, 23.5}, SampleSize: 250},
			models.MetricCNR:     {Mean: 4.3, Std: 0.9, Percentiles: PercentileTable{2.8, 3.7, 4.3, 4.9, 5.7}, SampleSize: 250},
			models.MetricFBER:    {Mean: 1680.0, Std: 290.0, Percentiles: PercentileTable{1200.0, 1480.0, 1670.0, 1880.0, 2160.0}, SampleSize: 250},
			models.MetricEFC:     {Mean: 0.47, Std: 0.08, Percentiles: PercentileTable{0.33, 0.42, 0.47, 0.52, 0.61}, SampleSize: 250},
			models.MetricFWHMAvg: {Mean: 2.88, Std: 0.34, Percentiles: PercentileTable{2.30, 2.62, 2.87, 3.14, 3.46}, SampleSize: 250},
		},
		models.AgeGroupElderly: {
			models.MetricSNR:     {Mean: 16.1, Std: 3.8, Percentiles: PercentileTable{10.2, 13.8, 16.0, 18.5, 22.1}, SampleSize: 180},
			models.MetricCNR:     {Mean: 3.9, Std: 1.1, Percentiles: PercentileTable{2.1, 3.2, 3.9, 4.6, 5.5}, SampleSize: 180},
			models.MetricFBER:    {Mean: 1520.0, Std: 340.0, Percentiles: PercentileTable{980.0, 1280.0, 1510.0, 1760.0, 2080.0}, SampleSize: 180},
			models.MetricEFC:     {Mean: 0.51, Std: 0.09, Percentiles: PercentileTable{0.36, 0.45, 0.51, 0.57, 0.67}, SampleSize: 180},
			models.MetricFWHMAvg: {Mean: 3.12, Std: 0.42, Percentiles: PercentileTable{2.45, 2.82, 3.11, 3.42, 3.85}, SampleSize: 180},
		},
	}

	thresholds := map[models.AgeGroup]map[string]models.Thresholds{
		models.AgeGroupPediatric: {
			models.MetricSNR:     {Warning: 12.0, Fail: 8.0, Direction: models.HigherBetter},
			models.MetricCNR:     {Warning: 2.8, Fail: 2.0, Direction: models.HigherBetter},
			models.MetricEFC:     {Warning: 0.60, Fail: 0.70, Direction: models.LowerBetter},
			models.MetricFWHMAvg: {Warning: 3.4, Fail: 3.8, Direction: models.LowerBetter},
		},
		models.AgeGroupAdolescent: {
			models.MetricSNR:     {Warning: 13.0, Fail: 9.0, Direction: models.HigherBetter},
			models.MetricCNR:     {Warning: 3.2, Fail: 2.4, Direction: models.HigherBetter},
			models.MetricEFC:     {Warning: 0.55, Fail: 0.65, Direction: models.LowerBetter},
			models.MetricFWHMAvg: {Warning: 3.2, Fail: 3.6, Direction: models.LowerBetter},
		},
		models.AgeGroupYoungAdult: {
			models.MetricSNR:     {Warning: 14.0, Fail: 10.0, Direction: models.HigherBetter},
			models.MetricCNR:     {Warning: 3.6, Fail: 2.8, Direction: models.HigherBetter},
			models.MetricEFC:     {Warning: 0.52, Fail: 0.60, Direction: models.LowerBetter},
			models.MetricFWHMAvg: {Warning: 3.1, Fail: 3.4, Direction: models.LowerBetter},
		},
		models.AgeGroupMiddleAge: {
			models.MetricSNR:     {Warning: 13.5, Fail: 9.5, Direction: models.HigherBetter},
			models.MetricCNR:     {Warning: 3.4, Fail: 2.6, Direction: models.HigherBetter},
			models.MetricEFC:     {Warning: 0.55, Fail: 0.65, Direction: models.LowerBetter},
			models.MetricFWHMAvg: {Warning: 3.3, Fail: 3.7, Direction: models.LowerBetter},
		},
		models.AgeGroupElderly: {
			models.MetricSNR:     {Warning: 12.5, Fail: 8.5, Direction: models.HigherBetter},
			models.MetricCNR:     {Warning: 3.0, Fail: 2.2, Direction: models.HigherBetter},
			models.MetricEFC:     {Warning: 0.62, Fail: 0.72, Direction: models.LowerBetter},
			models.MetricFWHMAvg: {Warning: 3.6, Fail: 4.0, Direction: models.LowerBetter},
		},
	}

	return NewStore("literature_composite", entries, thresholds)
}
