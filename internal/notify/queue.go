package notify

import (
	"sync"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// Queue is a bounded in-memory alert queue that preserves FIFO ordering.
// Enqueue never blocks; a full queue rejects the alert so the caller can
// decide whether losing it is acceptable.
type Queue struct {
	mu   sync.Mutex
	data []models.OutbreakAlert
	cap  int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		data: make([]models.OutbreakAlert, 0, capacity),
		cap:  capacity,
	}
}

func (q *Queue) Enqueue(alert models.OutbreakAlert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, alert)
	return true
}

func (q *Queue) DequeueBatch(max int) []models.OutbreakAlert {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]models.OutbreakAlert, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
