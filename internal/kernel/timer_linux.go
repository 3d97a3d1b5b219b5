//go:build linux

package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// TimerfdSource is a Linux timer source backed by timerfd(2). Unlike a
// time.Ticker it reports missed expirations, so a stalled consumer still
// accounts every period as a tick.
type TimerfdSource struct {
	fd     int
	period time.Duration
}

// NewTimerfdSource creates a timerfd-backed timer with the given period.
func NewTimerfdSource(period time.Duration) (*TimerfdSource, error) {
	if period <= 0 {
		period = time.Millisecond
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd create: %w", err)
	}
	ts := unix.NsecToTimespec(period.Nanoseconds())
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd settime: %w", err)
	}
	return &TimerfdSource{fd: fd, period: period}, nil
}

func (t *TimerfdSource) Run(ctx context.Context, tick func()) error {
	var buf [8]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Read(t.fd, buf[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("timerfd read: %w", err)
		}
		if n != 8 {
			return fmt.Errorf("timerfd read: short read of %d bytes", n)
		}
		expirations := binary.NativeEndian.Uint64(buf[:])
		for i := uint64(0); i < expirations; i++ {
			tick()
		}
	}
}

func (t *TimerfdSource) Close() error { return unix.Close(t.fd) }
