//go:build !linux

package manager

import "errors"

// pinToCore is not supported on this platform
func pinToCore(core int) (func(), error) {
	return func() {}, errors.New("cpu pinning not supported on this platform")
}
