package plugin

// Slots is the per-object extension area: one opaque value per plugin
// registered when the object was built. Its length never changes.
type Slots struct {
	values []any
}

// NewSlots creates n empty slots
func NewSlots(n int) Slots {
	if n <= 0 {
		return Slots{}
	}
	return Slots{values: make([]any, n)}
}

// Len returns the number of slots
func (s *Slots) Len() int {
	return len(s.values)
}

// Get returns the value stored for id, nil when empty or out of range
func (s *Slots) Get(id ID) any {
	if id < 0 || int(id) >= len(s.values) {
		return nil
	}
	return s.values[id]
}

// Set stores v for id. It reports false when the object was built before
// the plugin was registered.
func (s *Slots) Set(id ID, v any) bool {
	if id < 0 || int(id) >= len(s.values) {
		return false
	}
	s.values[id] = v
	return true
}

// Clear empties every slot
func (s *Slots) Clear() {
	clear(s.values)
}
