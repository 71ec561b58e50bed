// Package metrics exposes the Prometheus instruments of the leaderboard engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blitzboard"

// Recorder holds the engine's collectors, registered on its own registry
type Recorder struct {
	registry *prometheus.Registry

	submissions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	rankDuration  prometheus.Histogram
	warmedGames   prometheus.Counter
	ingestedBatch prometheus.Histogram
}

// NewRecorder creates a Recorder with a fresh registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_submissions_total",
			Help:      "Accepted score submissions by outcome.",
		}, []string{"status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_rejections_total",
			Help:      "Rejected score submissions by reason.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_cache_lookups_total",
			Help:      "Leaderboard cache lookups by result.",
		}, []string{"result"}),
		rankDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leaderboard_rank_duration_seconds",
			Help:      "Time spent building a ranked leaderboard from the store.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		warmedGames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_warmed_games_total",
			Help:      "Leaderboards rebuilt by the cache warmer.",
		}),
		ingestedBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_size",
			Help:      "Number of submissions per ingested batch.",
			Buckets:   prometheus.LinearBuckets(1, 50, 10),
		}),
	}

	r.registry.MustRegister(
		r.submissions,
		r.rejections,
		r.cacheLookups,
		r.rankDuration,
		r.warmedGames,
		r.ingestedBatch,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry backing the /metrics endpoint
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) SubmissionAccepted(status string) {
	r.submissions.WithLabelValues(status).Inc()
}

func (r *Recorder) SubmissionRejected(reason string) {
	r.rejections.WithLabelValues(reason).Inc()
}

func (r *Recorder) CacheHit() {
	r.cacheLookups.WithLabelValues("hit").Inc()
}

func (r *Recorder) CacheMiss() {
	r.cacheLookups.WithLabelValues("miss").Inc()
}

func (r *Recorder) RankBuilt(d time.Duration) {
	r.rankDuration.Observe(d.Seconds())
}

func (r *Recorder) GameWarmed() {
	r.warmedGames.Inc()
}

func (r *Recorder) BatchIngested(n int) {
	r.ingestedBatch.Observe(float64(n))
}
