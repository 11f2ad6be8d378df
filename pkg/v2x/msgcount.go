package v2x

// wrapMsgCount reduces any integer into [0, MsgCountModulus) using Euclidean
// modulo, so negative differences wrap correctly.
func wrapMsgCount(v int) int {
	v %= MsgCountModulus
	if v < 0 {
		v += MsgCountModulus
	}
	return v
}

// MsgCountDelta returns the forward distance from one counter value to
// another, accounting for wraparound. The result is always in [0, 127].
//
// Example: MsgCountDelta(120, 1) == 9.
func MsgCountDelta(from, to MsgCount) int {
	return wrapMsgCount(int(to) - int(from))
}

// MsgCountSpan returns the number of messages covered by the inclusive range
// first..last, modulo MsgCountModulus.
//
// A range that covers exactly 128 messages is indistinguishable from an
// empty one and yields 0; PER accounting treats the excess as duplicates.
func MsgCountSpan(first, last MsgCount) int {
	return wrapMsgCount(int(last) - int(first) + 1)
}

// Add returns the counter advanced by n messages (n may be negative).
func (m MsgCount) Add(n int) MsgCount {
	return MsgCount(wrapMsgCount(int(m) + n))
}

// Next returns the value the transmitter sends after m.
func (m MsgCount) Next() MsgCount {
	return m.Add(1)
}

// Valid reports whether m fits in 7 bits.
func (m MsgCount) Valid() bool {
	return m <= MaxMsgCount
}
