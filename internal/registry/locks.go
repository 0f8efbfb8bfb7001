package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
)

var ErrLockLost = errors.New("Lock is no longer held")

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func lockContention(lock *models.Lock) error {
	return &errs.LockContentionError{Name: lock.Name, Owner: fmt.Sprintf("pid %d on %s", lock.PID, lock.Host)}
}

func getLock(ctx context.Context, tx *sql.Tx, name string) (*models.Lock, error) {
	var (
		lock                  models.Lock
		acquiredAt, heartbeat int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT name, owner, pid, host, acquired_at, heartbeat FROM locks WHERE name = ?", name,
	).Scan(&lock.Name, &lock.Owner, &lock.PID, &lock.Host, &acquiredAt, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to load lock")
	}
	lock.AcquiredAt = fromUnix(acquiredAt)
	lock.Heartbeat = fromUnix(heartbeat)
	return &lock, nil
}

// stale reports whether a lock may be taken over: its owner stopped
// heartbeating, or it lived on this host and the process is gone.
func (r *Registry) stale(lock *models.Lock) bool {
	if r.now().Sub(lock.Heartbeat) > r.staleAfter {
		return true
	}
	if lock.Host == r.host && lock.PID != r.pid && !r.alive(lock.PID) {
		return true
	}
	return false
}

// TryAcquire takes the named lock if it is free or stale. It never blocks on
// a live holder, including an earlier acquisition through this registry.
func (r *Registry) TryAcquire(ctx context.Context, name string) (bool, error) {
	acquired := false
	err := r.tx(ctx, func(tx *sql.Tx) error {
		lock, err := getLock(ctx, tx, name)
		if err != nil {
			return err
		}
		if lock != nil && !r.stale(lock) {
			return nil
		}
		if lock != nil {
			r.logger.Warn("Reclaiming stale lock", lf.Lock(name), lf.Owner(lock.Owner), zap.Int("pid", lock.PID), zap.String("host", lock.Host))
		}

		now := toUnix(r.now())
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO locks (name, owner, pid, host, acquired_at, heartbeat) VALUES (?, ?, ?, ?, ?, ?)",
			name, r.owner, r.pid, r.host, now, now,
		)
		if err != nil {
			return errors.Wrap(err, "Failed to acquire lock")
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if acquired {
		r.logger.Debug("Acquired lock", lf.Lock(name))
	}
	return acquired, nil
}

func (r *Registry) Release(ctx context.Context, name string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM locks WHERE name = ? AND owner = ?", name, r.owner)
		if err != nil {
			return errors.Wrap(err, "Failed to release lock")
		}
		r.logger.Debug("Released lock", lf.Lock(name))
		return nil
	})
}

// Heartbeat refreshes a held lock. ErrLockLost means someone reclaimed it.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	return r.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE locks SET heartbeat = ? WHERE name = ? AND owner = ?",
			toUnix(r.now()), name, r.owner,
		)
		if err != nil {
			return errors.Wrap(err, "Failed to refresh lock")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockLost
		}
		return nil
	})
}

// LockInfo returns the current holder of a lock, or nil when it is free.
func (r *Registry) LockInfo(ctx context.Context, name string) (*models.Lock, error) {
	var lock *models.Lock
	err := r.tx(ctx, func(tx *sql.Tx) (err error) {
		lock, err = getLock(ctx, tx, name)
		return err
	})
	return lock, err
}

func (r *Registry) Stale(lock *models.Lock) bool {
	return r.stale(lock)
}

func (r *Registry) holdHeartbeat() time.Duration {
	if d := r.staleAfter / 4; d > 0 {
		return d
	}
	return time.Second
}

// Hold waits until the named lock is free, takes it and keeps it fresh until
// the returned release function is called. Unlike TryAcquire it queues
// behind live holders, including other goroutines of this process.
func (r *Registry) Hold(ctx context.Context, name string) (func(), error) {
	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = 20 * time.Millisecond
	wait.MaxInterval = 2 * time.Second
	wait.MaxElapsedTime = 0
	wait.Reset()

	waiting := false
	for {
		acquired, err := r.TryAcquire(ctx, name)
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		if !waiting {
			waiting = true
			if lock, err := r.LockInfo(ctx, name); err == nil && lock != nil {
				r.logger.Info("Waiting for lock", lf.Lock(name), zap.Int("pid", lock.PID), zap.String("host", lock.Host))
			}
		}

		timer := time.NewTimer(wait.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.holdHeartbeat())
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.Heartbeat(context.Background(), name); err != nil {
					r.logger.Error("Failed to refresh held lock", lf.Lock(name), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			if err := r.Release(context.Background(), name); err != nil {
				r.logger.Error("Failed to release held lock", lf.Lock(name), zap.Error(err))
			}
		})
	}, nil
}
