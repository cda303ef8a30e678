package dashboard

// AttachmentSnapshotStore holds periodic snapshots of the cheat manager's
// state while attached to a target process.
type AttachmentSnapshotStore struct {
	store *ringStore[AttachmentSnapshotEntry]
}

// NewAttachmentSnapshotStore opens path for periodic attachment snapshots.
func NewAttachmentSnapshotStore(path string, ringCap, maxLines int) (*AttachmentSnapshotStore, error) {
	s, err := newRingStore[AttachmentSnapshotEntry](path, ringCap, maxLines)
	if err != nil {
		return nil, err
	}
	return &AttachmentSnapshotStore{store: s}, nil
}

// Push records one snapshot.
func (s *AttachmentSnapshotStore) Push(e AttachmentSnapshotEntry) {
	s.store.push(e)
}

// Recent returns up to limit snapshots, optionally filtered to one session,
// oldest first.
func (s *AttachmentSnapshotStore) Recent(limit int, sessionID string) []AttachmentSnapshotEntry {
	items := s.store.recent(0)
	if sessionID != "" {
		filtered := make([]AttachmentSnapshotEntry, 0, len(items))
		for _, item := range items {
			if item.SessionID == sessionID {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

// Close closes the backing file.
func (s *AttachmentSnapshotStore) Close() error {
	return s.store.close()
}

// AttachmentHistoryStore holds a bounded history of completed attachment
// sessions (one entry per detach).
type AttachmentHistoryStore struct {
	store *ringStore[AttachmentHistoryEntry]
}

// NewAttachmentHistoryStore opens path for completed-session history.
func NewAttachmentHistoryStore(path string, ringCap, maxLines int) (*AttachmentHistoryStore, error) {
	s, err := newRingStore[AttachmentHistoryEntry](path, ringCap, maxLines)
	if err != nil {
		return nil, err
	}
	return &AttachmentHistoryStore{store: s}, nil
}

// Push records one completed session.
func (s *AttachmentHistoryStore) Push(e AttachmentHistoryEntry) {
	s.store.push(e)
}

// Recent returns the last limit completed sessions, oldest first.
func (s *AttachmentHistoryStore) Recent(limit int) []AttachmentHistoryEntry {
	return s.store.recent(limit)
}

// Close closes the backing file.
func (s *AttachmentHistoryStore) Close() error {
	return s.store.close()
}
