package workspace

import (
	"sort"
	"sync"
)

// Manager keeps the open workspaces by id.
type Manager struct {
	mu    sync.RWMutex
	items map[string]*Workspace
}

func NewManager() *Manager {
	return &Manager{items: make(map[string]*Workspace)}
}

func (m *Manager) Add(w *Workspace) {
	m.mu.Lock()
	m.items[w.ID] = w
	m.mu.Unlock()
}

func (m *Manager) Get(id string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.items[id]
	return w, ok
}

// Close closes and forgets one workspace. It reports false for unknown ids.
func (m *Manager) Close(id string) (bool, error) {
	m.mu.Lock()
	w, ok := m.items[id]
	delete(m.items, id)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, w.Close()
}

func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll closes every workspace.
func (m *Manager) CloseAll() {
	for _, id := range m.IDs() {
		m.Close(id)
	}
}
