package etcd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/books_bridge/internal/settings"
)

// SettingsKey is the key name holding the shared settings snapshot
const SettingsKey = "settings"

// LoadSettings reads the snapshot under key. It returns nil when the key is absent.
func (c *Client) LoadSettings(ctx context.Context, key string) (*settings.Settings, int64, error) {
	var kv *KeyValue
	err := RetryOperation(ctx, func() error {
		var err error
		kv, err = c.Get(ctx, key)
		return err
	}, "load settings")
	if err != nil {
		return nil, 0, err
	}
	if kv == nil {
		return nil, 0, nil
	}
	s, err := settings.Unmarshal(kv.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode settings at %s: %w", key, err)
	}
	return s, kv.Revision, nil
}

// PublishSettings stores s under key for every bridge process
func (c *Client) PublishSettings(ctx context.Context, key string, s *settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return RetryOperation(ctx, func() error {
		_, err := c.Put(ctx, key, data)
		return err
	}, "publish settings")
}

// SeedSettings writes fallback under key unless a snapshot exists, then
// returns the snapshot in effect together with its revision.
func (c *Client) SeedSettings(ctx context.Context, key string, fallback *settings.Settings) (*settings.Settings, int64, error) {
	data, err := fallback.Marshal()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode settings: %w", err)
	}
	written, err := c.PutIfAbsent(ctx, key, data)
	if err != nil {
		return nil, 0, err
	}
	if written {
		logrus.WithField("key", key).Info("Seeded settings in etcd")
	}
	s, rev, err := c.LoadSettings(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	if s == nil {
		// deleted between the two calls
		return fallback, 0, nil
	}
	return s, rev, nil
}

// WatchSettings keeps holder in step with key until ctx is done. Snapshots
// that fail validation are logged and ignored, deleting the key keeps the
// last snapshot.
func (c *Client) WatchSettings(ctx context.Context, key string, revision int64, holder *settings.Holder) {
	for resp := range c.WatchWithRecovery(ctx, key, revision) {
		for _, ev := range resp.Events {
			logger := logrus.WithFields(logrus.Fields{
				"key":      string(ev.Kv.Key),
				"revision": ev.Kv.ModRevision,
			})
			if ev.Type == clientv3.EventTypeDelete {
				logger.Warn("Settings key deleted, keeping current settings")
				continue
			}
			s, err := settings.Unmarshal(ev.Kv.Value)
			if err != nil {
				logger.WithError(err).Error("Ignoring invalid settings")
				continue
			}
			holder.Store(s)
			logger.WithField("enable_sync", s.EnableSync).Info("Settings updated")
		}
	}
}
