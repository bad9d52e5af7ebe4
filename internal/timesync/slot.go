package timesync

// Tuple carries one message per channel for a single key. Complete tuples
// flow through the output signal; partial tuples reach the drop signal with
// nil entries for the positions that never arrived.
type Tuple struct {
	Key      Key
	Messages []any
}

// Complete reports whether every channel position holds a message.
func (t Tuple) Complete() bool {
	for _, msg := range t.Messages {
		if msg == nil {
			return false
		}
	}
	return len(t.Messages) > 0
}

// slot accumulates per-channel arrivals for one key until the record either
// completes or is evicted. Slots are created lazily on first arrival; an
// empty slot never exists.
type slot struct {
	key      Key
	messages []any
	present  []bool
	filled   int
}

func newSlot(key Key, arity int) *slot {
	return &slot{
		key:      key,
		messages: make([]any, arity),
		present:  make([]bool, arity),
	}
}

// place stores msg at the channel position, silently replacing any previous
// occupant of the same (key, channel) pair.
func (s *slot) place(channel int, msg any) {
	if !s.present[channel] {
		s.present[channel] = true
		s.filled++
	}
	s.messages[channel] = msg
}

func (s *slot) complete() bool {
	return s.filled == len(s.messages)
}

// tuple snapshots the slot contents so callbacks may retain the result after
// the slot itself is recycled.
func (s *slot) tuple() Tuple {
	messages := make([]any, len(s.messages))
	copy(messages, s.messages)
	return Tuple{Key: s.key, Messages: messages}
}
