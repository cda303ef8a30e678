package dashboard

// EventStore holds recent operational events in memory and persists them
// to a rotating JSONL file.
type EventStore struct {
	store *ringStore[EventEntry]
}

// NewEventStore opens path, replaying existing events into a ring of
// capacity ringCap, rotating the file once it exceeds maxLines.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	s, err := newRingStore[EventEntry](path, ringCap, maxLines)
	if err != nil {
		return nil, err
	}
	return &EventStore{store: s}, nil
}

// Push records one event.
func (s *EventStore) Push(e EventEntry) {
	s.store.push(e)
}

// PushEvent is a convenience wrapper around Push for the common case.
func (s *EventStore) PushEvent(level, eventType, message string) {
	s.Push(EventEntry{Level: level, Type: eventType, Message: message})
}

// Recent returns the last limit events, oldest first.
func (s *EventStore) Recent(limit int) []EventEntry {
	return s.store.recent(limit)
}

// Close closes the backing file.
func (s *EventStore) Close() error {
	return s.store.close()
}
