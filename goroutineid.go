package ringrt

import "runtime"

// currentGoroutineID returns the calling goroutine's runtime id, parsed from
// the leading "goroutine N " of runtime.Stack's output - the same trick this
// tree's event loop uses to confirm a call is arriving on its own driving
// goroutine rather than a foreign one. It is never used for anything but
// that single-thread-ownership check; Go provides no supported API for
// reading a goroutine id.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
