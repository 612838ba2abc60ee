package youtube

import "sync"

// Quota costs charged per call.
const (
	CostResolve       = 1
	CostList          = 3
	CostPlaylistItems = 5
)

// QuotaMeter accumulates the quota spent during one run.
type QuotaMeter struct {
	mu   sync.Mutex
	used int
}

func (m *QuotaMeter) Add(units int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.used += units
	m.mu.Unlock()
}

func (m *QuotaMeter) Used() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Reset returns the spent units and starts over.
func (m *QuotaMeter) Reset() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.used
	m.used = 0
	return used
}
