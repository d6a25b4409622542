//go:build linux

package manager

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCore locks the calling goroutine to its OS thread and restricts that thread to core.
// The returned release restores the original mask and unlocks the thread.
func pinToCore(core int) (func(), error) {
	runtime.LockOSThread()

	var original unix.CPUSet
	if err := unix.SchedGetaffinity(0, &original); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}

	var set unix.CPUSet
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &original)
		runtime.UnlockOSThread()
	}, nil
}
