package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// MutexLocker serialises background jobs across bridge processes with etcd mutexes
type MutexLocker struct {
	client *Client
	ttl    int
}

// NewMutexLocker returns a locker whose locks expire ttl seconds after the holder dies
func NewMutexLocker(client *Client, ttl int) *MutexLocker {
	if ttl <= 0 {
		ttl = 30
	}
	return &MutexLocker{client: client, ttl: ttl}
}

// TryLock acquires the mutex for key without waiting
func (l *MutexLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	session, err := concurrency.NewSession(l.client.Client(),
		concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.client.Key(path.Join("locks", key)))
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	unlock := func() {
		// the job context may already be cancelled
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mutex.Unlock(uctx); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Failed to release job lock")
		}
		_ = session.Close()
	}
	return unlock, true, nil
}
