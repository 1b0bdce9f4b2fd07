package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/anvilbuild/anvil/internal/dcontext"
)

// Garbage collection works by generation rotation: the oldest generation
// directory is removed, every younger one shifts back a slot, and a fresh
// generation 0 is created. Uplink-on-read is what keeps live content safe —
// anything read since the last rotation has been promoted to generation 0
// and survives.
//
// Rotation takes the exclusive flock; every build holds it shared for its
// whole duration, so rotation waits for running builds and blocks new ones.

// lockPollInterval is how often lock acquisition re-polls while waiting.
const lockPollInterval = 100 * time.Millisecond

// LockShared takes the build-side shared lock. The returned release must be
// called on all exit paths.
func (c *CAS) LockShared(ctx context.Context) (func(), error) {
	fl, err := c.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	return func() { fl.Unlock() }, nil
}

// Rotate performs one garbage collection cycle under the exclusive lock.
func (c *CAS) Rotate(ctx context.Context) error {
	fl, err := c.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	log := dcontext.GetLogger(ctx)
	n := c.cfg.NumGenerations()

	oldest := c.cfg.GenerationRoot(n - 1)
	if err := os.RemoveAll(oldest); err != nil {
		return fmt.Errorf("removing generation %d: %w", n-1, err)
	}
	log.Debugf("gc: removed %s", oldest)

	for g := n - 2; g >= 0; g-- {
		from := c.cfg.GenerationRoot(g)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := c.cfg.GenerationRoot(g + 1)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rotating generation %d: %w", g, err)
		}
	}

	// The live generation's scratch area never rotates; leftovers from
	// crashed builds go with it.
	if err := os.RemoveAll(filepath.Join(c.cfg.GenerationRoot(1), ephemeralDir)); err != nil {
		return err
	}

	if err := os.MkdirAll(c.cfg.FamilyRoot(0), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.cfg.EphemeralRoot(), 0o755); err != nil {
		return err
	}
	log.Info("gc: rotated generations")
	return nil
}

func (c *CAS) acquire(ctx context.Context, exclusive bool) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Join(c.cfg.BuildRoot, protocolDir), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(c.cfg.LockPath())
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = fl.TryLockContext(ctx, lockPollInterval)
	} else {
		ok, err = fl.TryRLockContext(ctx, lockPollInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring gc lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("gc lock unavailable")
	}
	return fl, nil
}
