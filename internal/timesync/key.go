package timesync

import "time"

// Key identifies the capture instant of a message in nanoseconds since the
// Unix epoch. Channels match only on exact key equality; there is no
// tolerance window.
type Key int64

// ZeroKey is the sentinel stamp for channels whose messages carry no natural
// timestamp. Such channels only ever match other sentinel-stamped channels.
const ZeroKey Key = 0

// KeyOf converts a wall-clock time into a match key.
func KeyOf(t time.Time) Key {
	return Key(t.UnixNano())
}

// Time restores the wall-clock instant the key was derived from.
func (k Key) Time() time.Time {
	return time.Unix(0, int64(k)).UTC()
}
