package etcd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/books_bridge/internal/retry"
)

// NewClientWithRetry creates a new etcd client with retry logic
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	config := retry.EtcdDefaults()

	var client *Client
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		if _, testErr := client.Get(ctx, client.Key("healthcheck")); testErr != nil {
			_ = client.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}

// WatchWithRecovery watches key and re-establishes the watch after failures
func (c *Client) WatchWithRecovery(ctx context.Context, key string, startRevision int64) <-chan clientv3.WatchResponse {
	watchChan := make(chan clientv3.WatchResponse)

	go func() {
		defer close(watchChan)

		currentRevision := startRevision

		for {
			if ctx.Err() != nil {
				return
			}

			innerWatchChan := c.WatchKey(ctx, key, currentRevision)
		watch:
			for {
				select {
				case <-ctx.Done():
					return
				case watchResp, ok := <-innerWatchChan:
					if !ok {
						logrus.Warn("etcd watch channel closed, attempting to restart")
						break watch
					}
					if watchResp.Canceled {
						logrus.Warn("etcd watch was canceled, attempting to restart")
						break watch
					}
					if err := watchResp.Err(); err != nil {
						logrus.WithError(err).Error("etcd watch error, attempting to restart")
						break watch
					}

					for _, event := range watchResp.Events {
						if event.Kv.ModRevision > currentRevision {
							currentRevision = event.Kv.ModRevision
						}
					}

					select {
					case watchChan <- watchResp:
					case <-ctx.Done():
						return
					}
				}
			}

			logrus.WithField("revision", currentRevision).Info("Restarting etcd watch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	return watchChan
}

// RetryOperation retries an etcd operation with exponential backoff
func RetryOperation(ctx context.Context, operation func() error, operationName string) error {
	return retry.WithOperation(ctx, retry.EtcdDefaults(), operation, operationName)
}
