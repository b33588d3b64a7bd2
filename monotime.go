package lb

import (
	"golang.org/x/sys/unix"
)

// GetMonoNowNano returns CLOCK_MONOTONIC in nanoseconds, or 0 if the clock
// cannot be read.
func GetMonoNowNano() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano())
}
