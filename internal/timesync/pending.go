package timesync

import "sort"

// pendingTable is the synchronizer's ordered key→slot state. Keys are unique
// and the traversal order is ascending key order, which is what the watermark
// sweep and the size bound rely on.
type pendingTable struct {
	keys  []Key
	slots map[Key]*slot
}

func newPendingTable() pendingTable {
	return pendingTable{slots: make(map[Key]*slot)}
}

func (t *pendingTable) len() int {
	return len(t.keys)
}

func (t *pendingTable) get(key Key) (*slot, bool) {
	entry, ok := t.slots[key]
	return entry, ok
}

// insert places the slot at its sorted position. The caller must have checked
// that no slot exists for the key yet.
func (t *pendingTable) insert(entry *slot) {
	idx := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= entry.key })
	t.keys = append(t.keys, 0)
	copy(t.keys[idx+1:], t.keys[idx:])
	t.keys[idx] = entry.key
	t.slots[entry.key] = entry
}

func (t *pendingTable) remove(key Key) {
	if _, ok := t.slots[key]; !ok {
		return
	}
	delete(t.slots, key)
	idx := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= key })
	t.keys = append(t.keys[:idx], t.keys[idx+1:]...)
}

func (t *pendingTable) oldestKey() Key {
	return t.keys[0]
}

// popOldest removes and returns the slot with the smallest key.
func (t *pendingTable) popOldest() *slot {
	key := t.keys[0]
	t.keys = t.keys[1:]
	entry := t.slots[key]
	delete(t.slots, key)
	return entry
}

// reset discards all pending slots without emitting anything.
func (t *pendingTable) reset() {
	t.keys = nil
	t.slots = make(map[Key]*slot)
}

// snapshotKeys copies the ascending key order for diagnostics.
func (t *pendingTable) snapshotKeys() []Key {
	return append([]Key(nil), t.keys...)
}
