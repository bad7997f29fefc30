package availability

import (
	"context"
	"os"
	"sync/atomic"
	"time"
)

// Checker reports whether the Network store can be reached right now.
type Checker interface {
	Available(ctx context.Context) bool
}

// PathChecker stats the Network root. A stat that does not return within the
// timeout counts as unreachable, since network filesystems can hang.
type PathChecker struct {
	path    string
	timeout time.Duration
	stat    func(string) (os.FileInfo, error)
}

// NewPathChecker creates a checker for the directory at path.
func NewPathChecker(path string, timeout time.Duration) *PathChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PathChecker{path: path, timeout: timeout, stat: os.Stat}
}

// Available reports whether path is a reachable directory.
func (c *PathChecker) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		info, err := c.stat(c.path)
		result <- err == nil && info.IsDir()
	}()

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// StaticChecker returns a fixed answer. Used for tests and forced offline mode.
type StaticChecker struct {
	available atomic.Bool
}

// NewStaticChecker creates a checker answering available.
func NewStaticChecker(available bool) *StaticChecker {
	c := &StaticChecker{}
	c.available.Store(available)
	return c
}

// Set changes the answer.
func (c *StaticChecker) Set(available bool) {
	c.available.Store(available)
}

// Available returns the configured answer.
func (c *StaticChecker) Available(context.Context) bool {
	return c.available.Load()
}

var (
	_ Checker = (*PathChecker)(nil)
	_ Checker = (*StaticChecker)(nil)
)
