package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はプロセス内にタスク状態を保持します。Redis を使わない構成で利用します。
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
	jobs    map[string]string
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]Record),
		jobs:    make(map[string]string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(taskID), nil
}

func (s *MemoryStore) GetByJob(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return s.getLocked(taskID), nil
}

func (s *MemoryStore) Apply(ctx context.Context, taskID string, mutate func(*Record)) (*Record, error) {
	if taskID == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	record := s.getLocked(taskID)
	if record == nil {
		record = &Record{TaskID: taskID, CreatedAt: now}
	}
	mutate(record)
	record.TaskID = taskID
	record.UpdatedAt = now
	if s.ttl > 0 {
		record.ExpiresAt = now.Add(s.ttl)
	}

	s.records[taskID] = *record
	if record.JobID != "" {
		s.jobs[record.JobID] = taskID
	}
	out := *record
	return &out, nil
}

// Sweep は期限切れのタスクを削除し、削除した件数を返します。
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, r := range s.records {
		if s.expired(r, now) {
			s.deleteLocked(id, r)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) getLocked(taskID string) *Record {
	r, ok := s.records[taskID]
	if !ok {
		return nil
	}
	if s.expired(r, s.now()) {
		s.deleteLocked(taskID, r)
		return nil
	}
	return &r
}

func (s *MemoryStore) expired(r Record, now time.Time) bool {
	return s.ttl > 0 && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

func (s *MemoryStore) deleteLocked(taskID string, r Record) {
	delete(s.records, taskID)
	if r.JobID != "" && s.jobs[r.JobID] == taskID {
		delete(s.jobs, r.JobID)
	}
}
