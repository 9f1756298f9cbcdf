package cryptofs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusStats is the Prometheus implementation of Stats.
type PrometheusStats struct {
	chunkCacheAccesses prometheus.Counter
	chunkCacheMisses   prometheus.Counter
	bytes              *prometheus.CounterVec
}

// NewPrometheusStats registers the file system counters with reg.
// A nil reg uses the default registerer.
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusStats{
		chunkCacheAccesses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cryptofs_chunk_cache_accesses_total",
				Help: "Total number of chunk cache lookups",
			},
		),
		chunkCacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "cryptofs_chunk_cache_misses_total",
				Help: "Total number of chunk cache lookups that had to decrypt from storage",
			},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofs_bytes_total",
				Help: "Total bytes processed by direction",
			},
			[]string{"direction"},
		),
	}
}

func (s *PrometheusStats) AddChunkCacheAccess() { s.chunkCacheAccesses.Inc() }
func (s *PrometheusStats) AddChunkCacheMiss()   { s.chunkCacheMisses.Inc() }

func (s *PrometheusStats) AddBytesRead(n int64) {
	s.bytes.WithLabelValues("read").Add(float64(n))
}

func (s *PrometheusStats) AddBytesWritten(n int64) {
	s.bytes.WithLabelValues("written").Add(float64(n))
}

func (s *PrometheusStats) AddBytesEncrypted(n int64) {
	s.bytes.WithLabelValues("encrypted").Add(float64(n))
}

func (s *PrometheusStats) AddBytesDecrypted(n int64) {
	s.bytes.WithLabelValues("decrypted").Add(float64(n))
}
