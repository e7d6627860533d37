package engine

import "sync"

// missionLocks serializes mutating calls per mission id. Different missions
// never contend; the map itself is only held long enough to fetch the entry.
type missionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMissionLocks() *missionLocks {
	return &missionLocks{locks: make(map[string]*sync.Mutex)}
}

func (m *missionLocks) lock(missionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[missionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[missionID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}
