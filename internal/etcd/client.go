// Package etcd stores the shared sync settings in etcd and provides the cross-process job lock.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Client wraps the etcd client with the bridge's key layout
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient creates a new etcd client from a DSN
func NewClient(dsn string) (*Client, error) {
	config, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &Client{
		client: client,
		prefix: Prefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Client returns the underlying etcd client
func (c *Client) Client() *clientv3.Client {
	return c.client
}

// Key places name below the DSN prefix
func (c *Client) Key(name string) string {
	return path.Join(c.prefix, name)
}

// Get retrieves a single key, nil when absent
func (c *Client) Get(ctx context.Context, key string) (*KeyValue, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	kv := resp.Kvs[0]
	return &KeyValue{
		Key:      string(kv.Key),
		Value:    kv.Value,
		Revision: kv.ModRevision,
	}, nil
}

// Put stores a value and returns the new revision
func (c *Client) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := c.client.Put(ctx, key, string(value))
	if err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")

	return resp.Header.Revision, nil
}

// PutIfAbsent stores value only when key does not exist yet. It reports whether it wrote.
func (c *Client) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to seed key %s: %w", key, err)
	}
	return resp.Succeeded, nil
}

// WatchKey watches a single key starting after revision
func (c *Client) WatchKey(ctx context.Context, key string, revision int64) clientv3.WatchChan {
	var opts []clientv3.OpOption
	if revision > 0 {
		opts = append(opts, clientv3.WithRev(revision+1))
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": revision,
	}).Info("Started etcd watch")

	return c.client.Watch(ctx, key, opts...)
}

// KeyValue is a value read from etcd
type KeyValue struct {
	Key      string
	Value    []byte
	Revision int64
}

// parseDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, errors.New("etcd DSN must start with etcd://")
	}

	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379"
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}

	config.Username = params.Get("username")
	config.Password = params.Get("password")

	switch params.Get("tls") {
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return config, nil
}

// Prefix extracts the key prefix from the etcd DSN path
func Prefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" {
		return "/"
	}

	return u.Path
}
