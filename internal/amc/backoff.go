package amc

import "time"

const maxRetryDelay = 600 * time.Second

// retryDelay maps the consecutive-failure count to the delay before the
// next connection attempt. The first two retries are immediate, then the
// schedule slows down: one second for a while, thirty seconds for roughly
// ten minutes, then doubling from one minute up to the cap.
func retryDelay(failures int) time.Duration {
	switch {
	case failures <= 2:
		return 0
	case failures <= 10:
		return time.Second
	case failures <= 30:
		return 30 * time.Second
	default:
		shift := failures - 31
		if shift > 4 {
			return maxRetryDelay
		}
		d := 60 * time.Second << uint(shift)
		if d > maxRetryDelay {
			return maxRetryDelay
		}
		return d
	}
}

// logDeduper suppresses log storms from the reconnection loop: a message
// identical to the previous one is dropped, a changed message resets the
// gate and is logged immediately.
type logDeduper struct {
	last string
}

// shouldLog reports whether msg differs from the previously logged one and
// records it.
func (d *logDeduper) shouldLog(msg string) bool {
	if msg == d.last {
		return false
	}
	d.last = msg
	return true
}

func (d *logDeduper) reset() {
	d.last = ""
}
