package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/juju/fslock"
)

// LockFile takes an exclusive lock on path+".lock", retrying while another
// handle holds it for at most timeout. The returned func releases it.
func LockFile(ctx context.Context, path string, timeout time.Duration) (func() error, error) {
	lck := fslock.New(path + ".lock")
	err := Acquire(ctx, timeout, func() (bool, error) {
		err := lck.TryLock()
		return errors.Is(err, fslock.ErrLocked), err
	})
	if err != nil {
		return nil, err
	}
	return lck.Unlock, nil
}
