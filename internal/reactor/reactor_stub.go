//go:build !linux
// +build !linux

package reactor

import "fmt"

// New returns the platform default reactor. Only Linux is supported.
func New() (Reactor, error) {
	return nil, fmt.Errorf("reactor: no implementation for this platform")
}
