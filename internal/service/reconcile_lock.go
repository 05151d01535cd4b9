package service

import (
	"context"
	"sync/atomic"

	apperrors "github.com/target/stockroom/internal/errors"
	"golang.org/x/sync/semaphore"
)

// ReconcileLock serializes session reconciliation passes. It never queues:
// each caller class picks how to behave when the lock is busy.
//
//   - TrySkip: background refresh drops the pass.
//   - TryReject: explicit sign-in fails fast with a Busy error.
//   - Wait: explicit sign-out blocks until the running pass finishes.
type ReconcileLock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

// NewReconcileLock creates an unlocked ReconcileLock.
func NewReconcileLock() *ReconcileLock {
	return &ReconcileLock{sem: semaphore.NewWeighted(1)}
}

// TrySkip acquires the lock if it is free and reports whether it did.
func (l *ReconcileLock) TrySkip() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.held.Store(true)
	return true
}

// TryReject acquires the lock or returns a Busy error naming operation.
func (l *ReconcileLock) TryReject(operation string) error {
	if !l.TrySkip() {
		return apperrors.Busy(operation)
	}
	return nil
}

// Wait blocks until the lock is acquired or ctx is done.
func (l *ReconcileLock) Wait(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "wait for session lock")
	}
	l.held.Store(true)
	return nil
}

// Release frees the lock. It must only be called by the current holder.
func (l *ReconcileLock) Release() {
	l.held.Store(false)
	l.sem.Release(1)
}

// Held reports whether a pass currently holds the lock.
func (l *ReconcileLock) Held() bool {
	return l.held.Load()
}
