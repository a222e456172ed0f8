package session

// SetContext stores a single context value.
func (m *Manager) SetContext(id, key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return false
	}
	c.Context[key] = value
	c.UpdatedAt = m.now()
	m.save(c)
	return true
}

// GetContext returns a single context value.
func (m *Manager) GetContext(id, key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return nil, false
	}
	v, ok := c.Context[key]
	return v, ok
}

// UpdateContext merges values into the conversation context.
func (m *Manager) UpdateContext(id string, values map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.lookup(id)
	if c == nil {
		return false
	}
	for k, v := range values {
		c.Context[k] = v
	}
	c.UpdatedAt = m.now()
	m.save(c)
	return true
}
