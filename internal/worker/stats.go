package worker

import "sync/atomic"

type Stats struct {
	Claimed      atomic.Int64
	Completed    atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
	Deferred     atomic.Int64
	Revoked      atomic.Int64
	Abandoned    atomic.Int64
}

type Snapshot struct {
	PoolID       string `json:"pool_id"`
	Queue        string `json:"queue"`
	Workers      int    `json:"workers"`
	Claimed      int64  `json:"claimed"`
	Completed    int64  `json:"completed"`
	Retried      int64  `json:"retried"`
	DeadLettered int64  `json:"dead_lettered"`
	Deferred     int64  `json:"deferred"`
	Revoked      int64  `json:"revoked"`
	Abandoned    int64  `json:"abandoned"`
}

func (p *Pool) Stats() Snapshot {
	return Snapshot{
		PoolID:       p.id,
		Queue:        p.cfg.Queue,
		Workers:      p.cfg.Concurrency,
		Claimed:      p.stats.Claimed.Load(),
		Completed:    p.stats.Completed.Load(),
		Retried:      p.stats.Retried.Load(),
		DeadLettered: p.stats.DeadLettered.Load(),
		Deferred:     p.stats.Deferred.Load(),
		Revoked:      p.stats.Revoked.Load(),
		Abandoned:    p.stats.Abandoned.Load(),
	}
}

// Group is every pool of one process.
type Group []*Pool

func (g Group) Stats() []Snapshot {
	out := make([]Snapshot, len(g))
	for i, p := range g {
		out[i] = p.Stats()
	}
	return out
}

func (g Group) Stop() {
	for _, p := range g {
		p.Stop()
	}
}
