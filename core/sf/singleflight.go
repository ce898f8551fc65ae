package sf

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Gate runs an initialization function until it succeeds once.
// The zero value is ready to use.
type Gate struct {
	done  atomic.Bool
	group singleflight.Group
}

// Do runs fn unless a previous call succeeded. Concurrent callers share a
// single in-flight attempt and its error.
func (g *Gate) Do(fn func() error) error {
	if g.done.Load() {
		return nil
	}
	_, err, _ := g.group.Do("init", func() (any, error) {
		if g.done.Load() {
			return nil, nil
		}
		if err := fn(); err != nil {
			return nil, err
		}
		g.done.Store(true)
		return nil, nil
	})
	return err
}
