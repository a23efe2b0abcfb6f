// Package ledger - in-memory backend implementation
package ledger

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount spreads unrelated addresses over independent locks so one
// noisy attacker never serializes the rest of the accept path.
const shardCount = 64

// MemoryBackend implements the Backend interface with sharded in-memory
// maps. State lives only for the life of the process; a restart starts
// every address back at zero.
type MemoryBackend struct {
	shards [shardCount]memoryShard
	total  int64
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

type memoryRecord struct {
	count    int64
	lastSeen time.Time
}

// NewMemoryBackend creates a new memory backend
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	for i := range m.shards {
		m.shards[i].records = make(map[string]*memoryRecord)
	}
	return m
}

func (m *MemoryBackend) shard(addr string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *MemoryBackend) Record(addr string, now time.Time) (OffenseRecord, error) {
	s := m.shard(addr)
	s.mu.Lock()
	rec, ok := s.records[addr]
	if !ok {
		rec = &memoryRecord{}
		s.records[addr] = rec
	}
	rec.count++
	rec.lastSeen = now
	out := OffenseRecord{Addr: addr, Count: rec.count, LastSeen: rec.lastSeen}
	s.mu.Unlock()

	atomic.AddInt64(&m.total, 1)
	return out, nil
}

func (m *MemoryBackend) Snapshot() ([]OffenseRecord, error) {
	out := make([]OffenseRecord, 0, 64)
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for addr, rec := range s.records {
			out = append(out, OffenseRecord{Addr: addr, Count: rec.count, LastSeen: rec.lastSeen})
		}
		s.mu.Unlock()
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryBackend) Evict(olderThan time.Time) (int, error) {
	evicted := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for addr, rec := range s.records {
			if rec.lastSeen.Before(olderThan) {
				delete(s.records, addr)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted, nil
}

func (m *MemoryBackend) Stats() (BackendStats, error) {
	tracked := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		tracked += len(s.records)
		s.mu.Unlock()
	}
	return BackendStats{
		TrackedAddrs:     tracked,
		TotalConnections: atomic.LoadInt64(&m.total),
		BackendType:      "memory",
	}, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
