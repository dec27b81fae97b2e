package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ArtifactFetches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xrayscope_artifact_fetches_total",
		Help: "Artifact fetch attempts by artifact, source and outcome",
	},
	[]string{"artifact", "source", "outcome"},
)

var ArtifactBytes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xrayscope_artifact_bytes_total",
		Help: "Bytes written into the artifact directory by fetches",
	},
	[]string{"artifact"},
)

var ProvisionRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xrayscope_provision_runs_total",
		Help: "Provisioning passes by outcome",
	},
	[]string{"outcome"},
)

var Classifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xrayscope_classifications_total",
		Help: "Classification calls by outcome",
	},
	[]string{"outcome"},
)

var ClassifyDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "xrayscope_classify_duration_seconds",
		Help:    "Latency of a single classification call",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	},
)

var Uploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xrayscope_uploads_total",
		Help: "Image uploads by outcome",
	},
	[]string{"outcome"},
)
