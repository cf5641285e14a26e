// Package snowflake implements the monotonic 64-bit identifiers used
// throughout the tracker: every channel, thread, message and request
// range is ordered by comparing these values directly.
package snowflake

import "time"

// Epoch is the reference point snowflakes encode their timestamp
// relative to (the Discord epoch, since the system this package models
// is a Discord bot).
const Epoch int64 = 1420070400000 // 2015-01-01T00:00:00Z, in milliseconds

// timestampShift is the number of low bits below the embedded
// millisecond timestamp (worker id, process id, increment).
const timestampShift = 22

// ID is a monotonic snowflake: its top bits are a millisecond
// timestamp since Epoch, so two IDs compare in creation order.
type ID uint64

// Zero is never a valid snowflake minted by the chat service; it is
// used as a sentinel for "no id yet".
const Zero ID = 0

// FromTime returns the smallest snowflake whose embedded timestamp is t,
// i.e. the first possible id that could have been created at t. It is
// the canonical way to turn a cutoff time into a range boundary.
func FromTime(t time.Time) ID {
	ms := t.UnixMilli() - Epoch
	if ms < 0 {
		ms = 0
	}
	return ID(uint64(ms) << timestampShift)
}

// Time returns the creation time embedded in the snowflake.
func (id ID) Time() time.Time {
	ms := int64(id>>timestampShift) + Epoch
	return time.UnixMilli(ms)
}

// Next returns id+1, the smallest snowflake strictly greater than id;
// used to turn an
// inclusive "up to and including this id" into an exclusive upper
// bound (the before_snowflake convention used throughout this package).
func (id ID) Next() ID {
	return id + 1
}
