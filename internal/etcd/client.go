// Package etcd provides the etcd client operations used by the etcd change source.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrCheckpointConflict is returned when the stored checkpoint is ahead of the requested one
var ErrCheckpointConflict = errors.New("stored checkpoint is ahead")

// Client wraps an etcd v3 client
type Client struct {
	client *clientv3.Client
}

// KeyValuePair represents a live key read from etcd
type KeyValuePair struct {
	Key      string
	Value    []byte
	Revision int64 // ModRevision of the key
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

	return &Client{client: client}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// WatchPrefix watches every key under prefix, starting after startRevision
func (c *Client) WatchPrefix(ctx context.Context, prefix string, startRevision int64) clientv3.WatchChan {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if startRevision > 0 {
		opts = append(opts, clientv3.WithRev(startRevision+1))
	}

	watchChan := c.client.Watch(ctx, prefix, opts...)
	logrus.WithFields(logrus.Fields{
		"prefix":   prefix,
		"revision": startRevision,
	}).Info("Started etcd watch")

	return watchChan
}

// Snapshot returns every live key under prefix in ModRevision order together with
// the store revision the snapshot was taken at.
func (c *Client) Snapshot(ctx context.Context, prefix string) ([]KeyValuePair, int64, error) {
	resp, err := c.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByModRevision, clientv3.SortAscend))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read snapshot of %s: %w", prefix, err)
	}

	pairs := make([]KeyValuePair, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		pairs[i] = KeyValuePair{
			Key:      string(kv.Key),
			Value:    kv.Value,
			Revision: kv.ModRevision,
		}
	}

	logrus.WithFields(logrus.Fields{
		"prefix":          prefix,
		"count":           len(pairs),
		"header_revision": resp.Header.Revision,
	}).Info("Read snapshot from etcd")

	return pairs, resp.Header.Revision, nil
}

// Put stores a key-value pair and returns the revision it was written at
func (c *Client) Put(ctx context.Context, key, value string) (int64, error) {
	resp, err := c.client.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")

	return resp.Header.Revision, nil
}

// Delete removes a key and returns the revision of the deletion
func (c *Client) Delete(ctx context.Context, key string) (int64, error) {
	resp, err := c.client.Delete(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
		"deleted":  resp.Deleted,
	}).Debug("Deleted key from etcd")

	return resp.Header.Revision, nil
}

// Get retrieves a single key, nil when it does not exist
func (c *Client) Get(ctx context.Context, key string) (*KeyValuePair, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	kv := resp.Kvs[0]
	return &KeyValuePair{
		Key:      string(kv.Key),
		Value:    kv.Value,
		Revision: kv.ModRevision,
	}, nil
}

// LoadCheckpoint reads the checkpoint stored under key, 0 when none was stored yet
func (c *Client) LoadCheckpoint(ctx context.Context, key string) (int64, error) {
	value, _, err := c.loadCheckpoint(ctx, key)
	return value, err
}

func (c *Client) loadCheckpoint(ctx context.Context, key string) (value, modRevision int64, err error) {
	kv, err := c.Get(ctx, key)
	if err != nil || kv == nil {
		return 0, 0, err
	}
	value, err = strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid checkpoint stored under %s: %w", key, err)
	}
	return value, kv.Revision, nil
}

// AdvanceCheckpoint stores upTo under key unless a higher checkpoint is already stored.
// Concurrent writers are detected through the ModRevision of the key.
func (c *Client) AdvanceCheckpoint(ctx context.Context, key string, upTo int64) error {
	for {
		current, modRevision, err := c.loadCheckpoint(ctx, key)
		if err != nil {
			return err
		}
		if upTo < current {
			return fmt.Errorf("%w: %d > %d", ErrCheckpointConflict, current, upTo)
		}
		if upTo == current && modRevision > 0 {
			return nil
		}

		resp, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRevision)).
			Then(clientv3.OpPut(key, strconv.FormatInt(upTo, 10))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to store checkpoint %s: %w", key, err)
		}
		if resp.Succeeded {
			return nil
		}
		logrus.WithField("key", key).Debug("Checkpoint changed concurrently, re-reading")
	}
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
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
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
	case "", "disabled":
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	default:
		return nil, fmt.Errorf("unsupported tls mode %q", params.Get("tls"))
	}

	return config, nil
}
