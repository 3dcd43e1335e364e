package baseband

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// StaticLinks hands out link names without touching the kernel. It backs
// the emulated transport where no modem data device exists.
type StaticLinks struct {
	prefix string
	mu     sync.Mutex
	up     map[string]bool
}

// NewStaticLinks creates a link manager that only records names.
func NewStaticLinks(prefix string) *StaticLinks {
	return &StaticLinks{prefix: prefix, up: make(map[string]bool)}
}

// AddLink returns prefix + muxID.
func (l *StaticLinks) AddLink(ctx context.Context, muxID uint8) (string, error) {
	name := fmt.Sprintf("%s%d", l.prefix, muxID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.up[name]; !ok {
		l.up[name] = false
	}
	log.WithField("link", name).Debug("Recorded emulated link")
	return name, nil
}

// SetUp marks a recorded link up.
func (l *StaticLinks) SetUp(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.up[name]; !ok {
		return fmt.Errorf("unknown link %s", name)
	}
	l.up[name] = true
	return nil
}

// IsUp reports whether SetUp was called for name.
func (l *StaticLinks) IsUp(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up[name]
}
