package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/etcd"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultCheckpointPrefix is where etcd connectors keep their checkpoints
const DefaultCheckpointPrefix = "/kvsync/checkpoints/"

// EtcdConfig configures an etcd change source
type EtcdConfig struct {
	Name             string // connector name, selects the checkpoint key
	Prefix           string // watched key prefix
	CheckpointPrefix string
}

// Etcd turns the revisions of a key prefix into events. The ModRevision of a key
// is the event sequence. A source without a checkpoint starts with a snapshot of
// the live keys and then follows the watch from the snapshot revision.
type Etcd struct {
	client        *etcd.Client
	cfg           EtcdConfig
	checkpointKey string

	mu         sync.Mutex
	buffered   []Event
	checkpoint Sequence
	watch      <-chan clientv3.WatchResponse
	cancel     context.CancelFunc
	err        error // sticky, set once the watch lost changes
}

// NewEtcd creates an etcd source. The watch starts on the first Pull.
func NewEtcd(client *etcd.Client, cfg EtcdConfig) (*Etcd, error) {
	if cfg.Name == "" || cfg.Prefix == "" {
		return nil, errors.New("etcd source requires a connector name and a key prefix")
	}
	if cfg.CheckpointPrefix == "" {
		cfg.CheckpointPrefix = DefaultCheckpointPrefix
	}
	return &Etcd{
		client:        client,
		cfg:           cfg,
		checkpointKey: cfg.CheckpointPrefix + cfg.Name,
	}, nil
}

func (e *Etcd) start(ctx context.Context) error {
	if e.watch != nil {
		return nil
	}
	checkpoint, err := e.client.LoadCheckpoint(ctx, e.checkpointKey)
	if err != nil {
		return unavailable("load checkpoint", err)
	}
	e.checkpoint = Sequence(checkpoint)

	from := checkpoint
	if checkpoint == 0 {
		pairs, revision, err := e.client.Snapshot(ctx, e.cfg.Prefix)
		if err != nil {
			return unavailable("snapshot", err)
		}
		for _, kv := range pairs {
			if kv.Key == e.checkpointKey {
				continue
			}
			e.buffered = append(e.buffered, e.upsert(kv.Key, kv.Value, kv.Revision))
		}
		from = revision
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.watch = e.client.WatchWithRecovery(watchCtx, e.cfg.Prefix, from)

	logrus.WithFields(logrus.Fields{
		"prefix":     e.cfg.Prefix,
		"checkpoint": checkpoint,
		"snapshot":   len(e.buffered),
		"revision":   from,
	}).Info("etcd change source ready")
	return nil
}

// Pull implements Source. Events sharing a revision are never split across pulls.
func (e *Etcd) Pull(ctx context.Context, max int, timeout time.Duration) ([]Event, error) {
	if max <= 0 {
		max = 1
	}
	e.mu.Lock()
	if err := e.start(ctx); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if e.err != nil {
		e.mu.Unlock()
		return nil, unavailable("pull", e.err)
	}
	watch := e.watch
	empty := len(e.buffered) == 0
	e.mu.Unlock()

	if empty {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case resp, ok := <-watch:
			if !ok {
				return nil, unavailable("pull", errors.New("watch closed"))
			}
			e.mu.Lock()
			e.receive(resp)
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// take whatever else already arrived without waiting
	for len(e.buffered) < max && e.err == nil {
		select {
		case resp, ok := <-watch:
			if ok {
				e.receive(resp)
				continue
			}
		default:
		}
		break
	}
	if e.err != nil {
		return nil, unavailable("pull", e.err)
	}
	return e.take(max), nil
}

func (e *Etcd) receive(resp clientv3.WatchResponse) {
	if resp.CompactRevision > 0 {
		e.err = fmt.Errorf("%w: changes after checkpoint %d were compacted at revision %d",
			etcd.ErrCompacted, e.checkpoint, resp.CompactRevision)
		e.buffered = nil
		return
	}
	for _, ev := range resp.Events {
		key := string(ev.Kv.Key)
		if key == e.checkpointKey || Sequence(ev.Kv.ModRevision) <= e.checkpoint {
			continue
		}
		if ev.Type == clientv3.EventTypeDelete {
			e.buffered = append(e.buffered, Event{
				Key:        key,
				Kind:       Delete,
				Fields:     map[string]any{},
				Sequence:   Sequence(ev.Kv.ModRevision),
				ReceivedAt: time.Now(),
			})
			continue
		}
		e.buffered = append(e.buffered, e.upsert(key, ev.Kv.Value, ev.Kv.ModRevision))
	}
}

func (e *Etcd) take(max int) []Event {
	n := min(max, len(e.buffered))
	for n > 0 && n < len(e.buffered) && e.buffered[n].Sequence == e.buffered[n-1].Sequence {
		n++
	}
	out := e.buffered[:n:n]
	e.buffered = e.buffered[n:]
	return out
}

func (e *Etcd) upsert(key string, value []byte, revision int64) Event {
	fields, version := DecodeValue(value)
	return Event{
		Key:        key,
		Kind:       Upsert,
		Fields:     fields,
		Sequence:   Sequence(revision),
		Version:    version,
		ReceivedAt: time.Now(),
	}
}

// DecodeValue turns an etcd value into record fields. A JSON object becomes its
// fields, with a "__version" member taken as the mapping version. Any other value
// is exposed as the single field "value".
func DecodeValue(raw []byte) (map[string]any, string) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var object map[string]any
	if err := dec.Decode(&object); err != nil || object == nil || dec.More() {
		return map[string]any{"value": string(raw)}, ""
	}

	var version string
	if v, ok := object[fieldVersion].(string); ok {
		version = v
		delete(object, fieldVersion)
	}
	for name, value := range object {
		if n, ok := value.(json.Number); ok {
			object[name] = numberValue(n)
		}
	}
	return object, version
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// Acknowledge implements Source
func (e *Etcd) Acknowledge(ctx context.Context, upTo Sequence) error {
	err := e.client.AdvanceCheckpoint(ctx, e.checkpointKey, int64(upTo))
	if errors.Is(err, etcd.ErrCheckpointConflict) {
		return conflict("acknowledge", err)
	}
	if err != nil {
		return unavailable("acknowledge", err)
	}
	e.mu.Lock()
	e.checkpoint = max(e.checkpoint, upTo)
	e.mu.Unlock()
	return nil
}

// Checkpoint implements Source
func (e *Etcd) Checkpoint(ctx context.Context) (Sequence, error) {
	checkpoint, err := e.client.LoadCheckpoint(ctx, e.checkpointKey)
	if err != nil {
		return 0, unavailable("checkpoint", err)
	}
	return Sequence(checkpoint), nil
}

// Close stops the watch. The client is owned by the caller.
func (e *Etcd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}
