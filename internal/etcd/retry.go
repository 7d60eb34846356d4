package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/retry"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// watchRestartDelay is the pause between a broken watch and its replacement
var watchRestartDelay = time.Second

// NewClientWithRetry creates a new etcd client and checks it with a read, retrying on failure
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	var client *Client
	err := retry.WithOperation(ctx, retry.SourceDefaults(), func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		if _, testErr := client.Get(ctx, "healthcheck"); testErr != nil {
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

// ErrCompacted is reported when the revision a watch must resume from was compacted
var ErrCompacted = errors.New("watch revision was compacted")

// WatchWithRecovery watches prefix after startRevision and transparently re-establishes
// the watch after it breaks, resuming after the last revision it forwarded. The
// returned channel is closed once ctx is done. A compacted start revision cannot be
// recovered from: the response carrying CompactRevision is forwarded and the channel
// is closed, so the consumer learns that changes were lost.
func (c *Client) WatchWithRecovery(ctx context.Context, prefix string, startRevision int64) <-chan clientv3.WatchResponse {
	out := make(chan clientv3.WatchResponse)

	go func() {
		defer close(out)
		current := startRevision

		for ctx.Err() == nil {
			var err error
			current, err = c.forward(ctx, prefix, current, out)
			if err != nil || ctx.Err() != nil {
				return
			}

			logrus.WithField("revision", current).Info("Restarting etcd watch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRestartDelay):
			}
		}
	}()

	return out
}

// forward relays one watch until it breaks and returns the last revision it relayed
func (c *Client) forward(ctx context.Context, prefix string, current int64, out chan<- clientv3.WatchResponse) (int64, error) {
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	for resp := range c.WatchPrefix(watchCtx, prefix, current) {
		if resp.CompactRevision > 0 {
			logrus.WithFields(logrus.Fields{
				"revision":         current,
				"compact_revision": resp.CompactRevision,
			}).Error("Watch revision was compacted, stopping the watch")
			select {
			case out <- resp:
			case <-ctx.Done():
			}
			return current, fmt.Errorf("%w: resuming after %d, compacted at %d", ErrCompacted, current, resp.CompactRevision)
		}
		if err := resp.Err(); err != nil {
			logrus.WithError(err).Warn("etcd watch error, attempting to restart")
			return current, nil
		}
		if resp.Canceled {
			logrus.Warn("etcd watch was canceled, attempting to restart")
			return current, nil
		}

		for _, ev := range resp.Events {
			current = max(current, ev.Kv.ModRevision)
		}
		if len(resp.Events) == 0 {
			continue
		}

		select {
		case out <- resp:
		case <-ctx.Done():
			return current, nil
		}
	}
	logrus.Warn("etcd watch channel closed, attempting to restart")
	return current, nil
}
