//go:build !linux || !giouring
// +build !linux !giouring

package reactor

import "fmt"

// NewUring is available when built with -tags giouring.
func NewUring() (Reactor, error) {
	return nil, fmt.Errorf("reactor: giouring not enabled; build with -tags giouring")
}
