package feeder

import (
	"time"

	"github.com/Blackdeer1524/ReplicaDB/src/pkg/stats"
	"github.com/Blackdeer1524/ReplicaDB/src/vlsn"
)

// DelayStats summarizes how long a replica took to acknowledge commits.
type DelayStats struct {
	AvgMs float64 `json:"avgMs"`
	P95Ms float64 `json:"p95Ms"`
	P99Ms float64 `json:"p99Ms"`
	MaxMs float64 `json:"maxMs"`
	Acks  int     `json:"acks"`
	// VLSNRate is the number of acknowledged sequences per minute.
	VLSNRate float64 `json:"vlsnRate"`
}

func newDelayStats(s stats.Summary, rate float64) DelayStats {
	return DelayStats{
		AvgMs:    s.Avg,
		P95Ms:    s.P95,
		P99Ms:    s.P99,
		MaxMs:    s.Max,
		Acks:     s.Count,
		VLSNRate: rate,
	}
}

type ReplicaStats struct {
	ReplicaID      string     `json:"replicaId"`
	Session        string     `json:"session"`
	LastSentVLSN   vlsn.VLSN  `json:"lastSentVLSN"`
	LastAckedVLSN  vlsn.VLSN  `json:"lastAckedVLSN"`
	LastCommitVLSN vlsn.VLSN  `json:"lastCommitVLSN"`
	LastCommitTime time.Time  `json:"lastCommitTime"`
	LastDelayMs    int64      `json:"lastDelayMs"`
	Delay          DelayStats `json:"delay"`
	Rewinds        uint64     `json:"rewinds"`
}

// Stats is the group-wide view over every replica the manager has fed.
type Stats struct {
	NFeedersCreated  uint64 `json:"nFeedersCreated"`
	NFeedersShutdown uint64 `json:"nFeedersShutdown"`

	ReplicaDelayMap      map[string]int64   `json:"replicaDelayMap"`
	ReplicaAvgDelayMsMap map[string]float64 `json:"replicaAvgDelayMsMap"`
	Replica95DelayMsMap  map[string]float64 `json:"replica95DelayMsMap"`
	Replica99DelayMsMap  map[string]float64 `json:"replica99DelayMsMap"`
	ReplicaMaxDelayMsMap map[string]float64 `json:"replicaMaxDelayMsMap"`

	ReplicaLastCommitTimestampMap map[string]int64  `json:"replicaLastCommitTimestampMap"`
	ReplicaLastCommitVLSNMap      map[string]uint64 `json:"replicaLastCommitVLSNMap"`

	ReplicaVLSNLagMap  map[string]int64   `json:"replicaVLSNLagMap"`
	ReplicaVLSNRateMap map[string]float64 `json:"replicaVLSNRateMap"`
}

func newStats(created, shutdown uint64, replicas map[string]ReplicaStats, last vlsn.VLSN) Stats {
	s := Stats{
		NFeedersCreated:               created,
		NFeedersShutdown:              shutdown,
		ReplicaDelayMap:               make(map[string]int64, len(replicas)),
		ReplicaAvgDelayMsMap:          make(map[string]float64, len(replicas)),
		Replica95DelayMsMap:           make(map[string]float64, len(replicas)),
		Replica99DelayMsMap:           make(map[string]float64, len(replicas)),
		ReplicaMaxDelayMsMap:          make(map[string]float64, len(replicas)),
		ReplicaLastCommitTimestampMap: make(map[string]int64, len(replicas)),
		ReplicaLastCommitVLSNMap:      make(map[string]uint64, len(replicas)),
		ReplicaVLSNLagMap:             make(map[string]int64, len(replicas)),
		ReplicaVLSNRateMap:            make(map[string]float64, len(replicas)),
	}

	for id, r := range replicas {
		s.ReplicaDelayMap[id] = r.LastDelayMs
		s.ReplicaAvgDelayMsMap[id] = r.Delay.AvgMs
		s.Replica95DelayMsMap[id] = r.Delay.P95Ms
		s.Replica99DelayMsMap[id] = r.Delay.P99Ms
		s.ReplicaMaxDelayMsMap[id] = r.Delay.MaxMs
		if !r.LastCommitTime.IsZero() {
			s.ReplicaLastCommitTimestampMap[id] = r.LastCommitTime.UnixMilli()
		}
		s.ReplicaLastCommitVLSNMap[id] = uint64(r.LastCommitVLSN)
		// the replica's position is known from its acknowledgments
		s.ReplicaVLSNLagMap[id] = int64(last) - int64(r.LastAckedVLSN)
		s.ReplicaVLSNRateMap[id] = r.Delay.VLSNRate
	}

	return s
}

// Metrics flattens s for the prometheus collector.
func (s Stats) Metrics() []stats.Metric {
	res := []stats.Metric{
		{Name: "feeders_created_total", Help: "Feeders started.", Value: float64(s.NFeedersCreated), Counter: true},
		{Name: "feeders_shutdown_total", Help: "Feeders stopped.", Value: float64(s.NFeedersShutdown), Counter: true},
	}

	for id := range s.ReplicaAvgDelayMsMap {
		res = append(res,
			stats.Metric{Name: "delay_ms", Help: "Latest acknowledgment delay.", Value: float64(s.ReplicaDelayMap[id]), Replica: id},
			stats.Metric{Name: "avg_delay_ms", Help: "Average acknowledgment delay.", Value: s.ReplicaAvgDelayMsMap[id], Replica: id},
			stats.Metric{Name: "p95_delay_ms", Help: "95th percentile of the acknowledgment delay.", Value: s.Replica95DelayMsMap[id], Replica: id},
			stats.Metric{Name: "p99_delay_ms", Help: "99th percentile of the acknowledgment delay.", Value: s.Replica99DelayMsMap[id], Replica: id},
			stats.Metric{Name: "max_delay_ms", Help: "Maximum acknowledgment delay.", Value: s.ReplicaMaxDelayMsMap[id], Replica: id},
			stats.Metric{Name: "last_commit_timestamp_ms", Help: "Commit time of the latest acknowledged commit.", Value: float64(s.ReplicaLastCommitTimestampMap[id]), Replica: id},
			stats.Metric{Name: "last_commit_vlsn", Help: "Sequence of the latest acknowledged commit.", Value: float64(s.ReplicaLastCommitVLSNMap[id]), Replica: id},
			stats.Metric{Name: "vlsn_lag", Help: "Sequences the replica has not acknowledged yet.", Value: float64(s.ReplicaVLSNLagMap[id]), Replica: id},
			stats.Metric{Name: "vlsn_rate", Help: "Acknowledged sequences per minute.", Value: s.ReplicaVLSNRateMap[id], Replica: id},
		)
	}

	return res
}
