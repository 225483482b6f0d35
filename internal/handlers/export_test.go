package handlers

// SessionStats reports the number of live sessions and of their connected event streams.
func (m Main) SessionStats() (sessions, streams int) {
	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()
	for _, s := range m.sessions.byID {
		streams += s.streams
	}
	return len(m.sessions.byID), streams
}
