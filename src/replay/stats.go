package replay

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/stats"
)

// Stats is a snapshot of the replica's replay statistics. Counters are never
// reset while the process lives.
type Stats struct {
	NCommits                uint64 `json:"nCommits"`
	NGroupCommitTimeouts    uint64 `json:"nGroupCommitTimeouts"`
	NGroupCommitMaxExceeded uint64 `json:"nGroupCommitMaxExceeded"`
	NGroupCommitTxns        uint64 `json:"nGroupCommitTxns"`
	NGroupCommits           uint64 `json:"nGroupCommits"`
	NCommitAcks             uint64 `json:"nCommitAcks"`
	NCommitSyncs            uint64 `json:"nCommitSyncs"`
	NCommitNoSyncs          uint64 `json:"nCommitNoSyncs"`
	NCommitWriteNoSyncs     uint64 `json:"nCommitWriteNoSyncs"`
	NAborts                 uint64 `json:"nAborts"`
	NLNs                    uint64 `json:"nLNs"`
	NMessageQueueOverflows  uint64 `json:"nMessageQueueOverflows"`

	MinCommitProcessingNanos   int64 `json:"minCommitProcessingNanos"`
	MaxCommitProcessingNanos   int64 `json:"maxCommitProcessingNanos"`
	TotalCommitProcessingNanos int64 `json:"totalCommitProcessingNanos"`

	LatestCommitLagMs int64 `json:"latestCommitLagMs"`

	ReplayQueueAvgDelayMs float64 `json:"replayQueueAvgDelayMs"`
	ReplayQueue95DelayMs  float64 `json:"replayQueue95DelayMs"`
	ReplayQueue99DelayMs  float64 `json:"replayQueue99DelayMs"`
	ReplayQueueMaxDelayMs float64 `json:"replayQueueMaxDelayMs"`

	OutputQueueAvgDelayMs float64 `json:"outputQueueAvgDelayMs"`
	OutputQueue95DelayMs  float64 `json:"outputQueue95DelayMs"`
	OutputQueue99DelayMs  float64 `json:"outputQueue99DelayMs"`
	OutputQueueMaxDelayMs float64 `json:"outputQueueMaxDelayMs"`

	ElapsedTxnAvgMs float64 `json:"elapsedTxnAvgMs"`
	ElapsedTxn95Ms  float64 `json:"elapsedTxn95Ms"`
	ElapsedTxn99Ms  float64 `json:"elapsedTxn99Ms"`
	ElapsedTxnMaxMs float64 `json:"elapsedTxnMaxMs"`
}

type counters struct {
	nCommits                atomic.Uint64
	nGroupCommitTimeouts    atomic.Uint64
	nGroupCommitMaxExceeded atomic.Uint64
	nGroupCommitTxns        atomic.Uint64
	nGroupCommits           atomic.Uint64
	nCommitAcks             atomic.Uint64
	nCommitSyncs            atomic.Uint64
	nCommitNoSyncs          atomic.Uint64
	nCommitWriteNoSyncs     atomic.Uint64
	nAborts                 atomic.Uint64
	nLNs                    atomic.Uint64
	nMessageQueueOverflows  atomic.Uint64

	minCommitNanos   atomic.Int64
	maxCommitNanos   atomic.Int64
	totalCommitNanos atomic.Int64

	latestCommitLagMs atomic.Int64
}

func (c *counters) init() {
	c.minCommitNanos.Store(math.MaxInt64)
}

// recordCommitNanos is only called by the replay goroutine.
func (c *counters) recordCommitNanos(nanos int64) {
	if nanos < c.minCommitNanos.Load() {
		c.minCommitNanos.Store(nanos)
	}
	if nanos > c.maxCommitNanos.Load() {
		c.maxCommitNanos.Store(nanos)
	}
	c.totalCommitNanos.Add(nanos)
}

type latencyWindows struct {
	replayQueueDelay *stats.Window
	outputQueueDelay *stats.Window
	elapsedTxn       *stats.Window
}

func newLatencyWindows(length time.Duration) latencyWindows {
	return latencyWindows{
		replayQueueDelay: stats.NewWindow(length),
		outputQueueDelay: stats.NewWindow(length),
		elapsedTxn:       stats.NewWindow(length),
	}
}

func (r *Replay) Stats() Stats {
	now := time.Now()
	rq := r.replayQueueDelay.Summary(now)
	oq := r.outputQueueDelay.Summary(now)
	el := r.elapsedTxn.Summary(now)

	minNanos := r.minCommitNanos.Load()
	if minNanos == math.MaxInt64 {
		minNanos = 0
	}

	return Stats{
		NCommits:                r.nCommits.Load(),
		NGroupCommitTimeouts:    r.nGroupCommitTimeouts.Load(),
		NGroupCommitMaxExceeded: r.nGroupCommitMaxExceeded.Load(),
		NGroupCommitTxns:        r.nGroupCommitTxns.Load(),
		NGroupCommits:           r.nGroupCommits.Load(),
		NCommitAcks:             r.nCommitAcks.Load(),
		NCommitSyncs:            r.nCommitSyncs.Load(),
		NCommitNoSyncs:          r.nCommitNoSyncs.Load(),
		NCommitWriteNoSyncs:     r.nCommitWriteNoSyncs.Load(),
		NAborts:                 r.nAborts.Load(),
		NLNs:                    r.nLNs.Load(),
		NMessageQueueOverflows:  r.nMessageQueueOverflows.Load(),

		MinCommitProcessingNanos:   minNanos,
		MaxCommitProcessingNanos:   r.maxCommitNanos.Load(),
		TotalCommitProcessingNanos: r.totalCommitNanos.Load(),

		LatestCommitLagMs: r.latestCommitLagMs.Load(),

		ReplayQueueAvgDelayMs: rq.Avg,
		ReplayQueue95DelayMs:  rq.P95,
		ReplayQueue99DelayMs:  rq.P99,
		ReplayQueueMaxDelayMs: rq.Max,

		OutputQueueAvgDelayMs: oq.Avg,
		OutputQueue95DelayMs:  oq.P95,
		OutputQueue99DelayMs:  oq.P99,
		OutputQueueMaxDelayMs: oq.Max,

		ElapsedTxnAvgMs: el.Avg,
		ElapsedTxn95Ms:  el.P95,
		ElapsedTxn99Ms:  el.P99,
		ElapsedTxnMaxMs: el.Max,
	}
}

func counter(name, help string, v uint64) stats.Metric {
	return stats.Metric{Name: name, Help: help, Value: float64(v), Counter: true}
}

func gauge(name, help string, v float64) stats.Metric {
	return stats.Metric{Name: name, Help: help, Value: v}
}

// Metrics flattens s for the prometheus collector.
func (s Stats) Metrics() []stats.Metric {
	return []stats.Metric{
		counter("commits_total", "Commits replayed.", s.NCommits),
		counter("group_commit_timeouts_total", "Group commits flushed by the interval.", s.NGroupCommitTimeouts),
		counter("group_commit_max_exceeded_total", "Group commits flushed by the size limit.", s.NGroupCommitMaxExceeded),
		counter("group_commit_txns_total", "Transactions committed through group commits.", s.NGroupCommitTxns),
		counter("group_commits_total", "Group commit flushes.", s.NGroupCommits),
		counter("commit_acks_total", "Replayed commits that requested an acknowledgment.", s.NCommitAcks),
		counter("commit_syncs_total", "Replayed commits with the sync policy.", s.NCommitSyncs),
		counter("commit_no_syncs_total", "Replayed commits with the no-sync policy.", s.NCommitNoSyncs),
		counter("commit_write_no_syncs_total", "Replayed commits with the write-no-sync policy.", s.NCommitWriteNoSyncs),
		counter("aborts_total", "Aborts replayed.", s.NAborts),
		counter("lns_total", "Record writes replayed.", s.NLNs),
		counter("message_queue_overflows_total", "Messages rejected by a full queue.", s.NMessageQueueOverflows),
		gauge("min_commit_processing_nanos", "Fastest commit processing time.", float64(s.MinCommitProcessingNanos)),
		gauge("max_commit_processing_nanos", "Slowest commit processing time.", float64(s.MaxCommitProcessingNanos)),
		counter("commit_processing_nanos_total", "Total commit processing time.", uint64(s.TotalCommitProcessingNanos)),
		gauge("latest_commit_lag_ms", "Lag between the primary's commit and the local one.", float64(s.LatestCommitLagMs)),
		gauge("replay_queue_avg_delay_ms", "Average replay queue delay.", s.ReplayQueueAvgDelayMs),
		gauge("replay_queue_p95_delay_ms", "95th percentile of the replay queue delay.", s.ReplayQueue95DelayMs),
		gauge("replay_queue_p99_delay_ms", "99th percentile of the replay queue delay.", s.ReplayQueue99DelayMs),
		gauge("replay_queue_max_delay_ms", "Maximum replay queue delay.", s.ReplayQueueMaxDelayMs),
		gauge("output_queue_avg_delay_ms", "Average output queue delay.", s.OutputQueueAvgDelayMs),
		gauge("output_queue_p95_delay_ms", "95th percentile of the output queue delay.", s.OutputQueue95DelayMs),
		gauge("output_queue_p99_delay_ms", "99th percentile of the output queue delay.", s.OutputQueue99DelayMs),
		gauge("output_queue_max_delay_ms", "Maximum output queue delay.", s.OutputQueueMaxDelayMs),
		gauge("elapsed_txn_avg_ms", "Average time from arrival to local commit.", s.ElapsedTxnAvgMs),
		gauge("elapsed_txn_p95_ms", "95th percentile of the time from arrival to local commit.", s.ElapsedTxn95Ms),
		gauge("elapsed_txn_p99_ms", "99th percentile of the time from arrival to local commit.", s.ElapsedTxn99Ms),
		gauge("elapsed_txn_max_ms", "Maximum time from arrival to local commit.", s.ElapsedTxnMaxMs),
	}
}

func (r *Replay) Collector() *stats.Collector {
	return stats.NewCollector("replicadb", "replay", func() []stats.Metric {
		return r.Stats().Metrics()
	})
}
