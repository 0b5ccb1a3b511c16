package runner

var defaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60,
}

// extraction and load of a whole table take from seconds to hours
var customBuckets = map[string][]float64{
	"pipeline_extract_duration": {
		0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600, // 100ms to 1h
	},
	"pipeline_load_duration": {
		0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600,
	},
	"pipeline_job_duration": {
		1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200, 14400, // 1s to 4h
	},
}
