//go:build !linux

package baseband

import (
	"context"
	"errors"
)

var errNetlinkUnsupported = errors.New("rmnet links need linux netlink")

// NetlinkLinks is unavailable outside linux.
type NetlinkLinks struct{}

// NewNetlinkLinks returns a manager whose calls always fail.
func NewNetlinkLinks(parent, prefix string) *NetlinkLinks {
	return &NetlinkLinks{}
}

func (l *NetlinkLinks) AddLink(ctx context.Context, muxID uint8) (string, error) {
	return "", errNetlinkUnsupported
}

func (l *NetlinkLinks) SetUp(name string) error {
	return errNetlinkUnsupported
}
