package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Reserved stream entry fields. Every other field of an entry is a record field.
const (
	fieldKey     = "__key"
	fieldOp      = "__op"
	fieldSeq     = "__seq"
	fieldVersion = "__version"
)

// DefaultGroup is the consumer group used when RedisConfig.Group is empty
const DefaultGroup = "kvsync"

// StreamKey returns the change stream of a connector
func StreamKey(name string) string { return "kvsync:" + name + ":stream" }

// CheckpointKey returns the key holding the checkpoint of a connector
func CheckpointKey(name string) string { return "kvsync:" + name + ":checkpoint" }

// SequenceKey returns the counter used to number the mutations of a connector
func SequenceKey(name string) string { return "kvsync:" + name + ":seq" }

// recordScript applies a mutation to the keyspace and appends the resulting
// record to the change stream in one atomic step.
// KEYS: record key, sequence counter, stream. ARGV: op, version, field/value pairs.
var recordScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local entry = {'__key', KEYS[1], '__op', ARGV[1], '__seq', tostring(seq), '__version', ARGV[2]}
if ARGV[1] == 'upsert' then
	if #ARGV > 2 then
		redis.call('HSET', KEYS[1], unpack(ARGV, 3))
	end
	local all = redis.call('HGETALL', KEYS[1])
	for i = 1, #all do
		entry[#entry + 1] = all[i]
	end
else
	redis.call('DEL', KEYS[1])
end
redis.call('XADD', KEYS[3], '*', unpack(entry))
return seq
`)

// advanceScript moves the checkpoint forward and refuses to move it backwards.
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local wanted = tonumber(ARGV[1])
if wanted < current then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Recorder is the producer side of the Redis source: it mutates hashes under a
// keyspace prefix and records every mutation on the connector stream.
type Recorder struct {
	client  redis.UniversalClient
	name    string
	prefix  string
	version string
}

// NewRecorder creates a recorder for the connector name
func NewRecorder(client redis.UniversalClient, name, keysPrefix, version string) *Recorder {
	return &Recorder{client: client, name: name, prefix: keysPrefix, version: version}
}

// Key returns the keyspace key of a record id
func (r *Recorder) Key(id string) string {
	return r.prefix + ":" + id
}

// Upsert writes fields into the hash of id and records the full resulting record
func (r *Recorder) Upsert(ctx context.Context, id string, fields map[string]any) (Sequence, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	args := []any{Upsert.String(), r.version}
	for _, name := range names {
		args = append(args, name, fmt.Sprint(fields[name]))
	}
	return r.run(ctx, id, args)
}

// Delete removes the hash of id and records the deletion
func (r *Recorder) Delete(ctx context.Context, id string) (Sequence, error) {
	return r.run(ctx, id, []any{Delete.String(), r.version})
}

func (r *Recorder) run(ctx context.Context, id string, args []any) (Sequence, error) {
	keys := []string{r.Key(id), SequenceKey(r.name), StreamKey(r.name)}
	seq, err := recordScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to record %s: %w", r.Key(id), err)
	}
	return Sequence(seq), nil
}

// Discard receives a stream entry that cannot be decoded. ev carries the raw entry
// values as fields, the entry id as key and the sequence when it parsed. The entry
// is acknowledged only after Discard returns nil.
type Discard func(ctx context.Context, ev Event, err error) error

// RedisConfig configures a Redis Streams source
type RedisConfig struct {
	Name     string // connector name, selects the stream
	Group    string
	Consumer string
	Discard  Discard // nil only logs malformed entries
}

// Redis reads a connector stream through a consumer group. Entries stay pending
// in the group until Acknowledge covers them, so a consumer restarted after a
// crash reads its own pending entries again before anything new.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	stream string

	mu         sync.Mutex
	pending    map[Sequence]string // delivered sequence -> stream entry id
	checkpoint Sequence
	history    string // last entry id taken from the own pending history
	drained    bool   // own pending history has been re-read
}

// NewRedis creates the consumer group if needed and loads the checkpoint
func NewRedis(ctx context.Context, client redis.UniversalClient, cfg RedisConfig) (*Redis, error) {
	if cfg.Name == "" {
		return nil, errors.New("redis source requires a connector name")
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Name
	}
	r := &Redis{
		client:  client,
		cfg:     cfg,
		stream:  StreamKey(cfg.Name),
		pending: make(map[Sequence]string),
		history: "0",
	}

	err := client.XGroupCreateMkStream(ctx, r.stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, unavailable("create group", err)
	}

	checkpoint, err := r.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	r.checkpoint = checkpoint

	logrus.WithFields(logrus.Fields{
		"stream":     r.stream,
		"group":      cfg.Group,
		"consumer":   cfg.Consumer,
		"checkpoint": checkpoint,
	}).Info("Redis change source ready")
	return r, nil
}

// Pull implements Source. The own pending history left by an earlier run of the
// consumer is read first, page by page; new entries are read once it is exhausted.
func (r *Redis) Pull(ctx context.Context, max int, timeout time.Duration) ([]Event, error) {
	if max <= 0 {
		max = 1
	}
	for {
		r.mu.Lock()
		drained, history := r.drained, r.history
		r.mu.Unlock()
		if drained {
			break
		}

		messages, err := r.read(ctx, history, max, -1)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			r.mu.Lock()
			r.drained = true
			r.mu.Unlock()
			break
		}
		events, err := r.accept(ctx, messages)
		if err != nil || len(events) > 0 {
			return events, err
		}
		// the whole page was stale or delivered already, continue after it
	}

	block := timeout
	if timeout < time.Millisecond {
		block = -1 // BLOCK 0 would wait forever
	}
	messages, err := r.read(ctx, ">", max, block)
	if err != nil {
		return nil, err
	}
	events, err := r.accept(ctx, messages)
	if err != nil {
		// the entries are pending in the group now, take them from the history next time
		r.mu.Lock()
		r.drained = false
		r.mu.Unlock()
	}
	return events, err
}

func (r *Redis) read(ctx context.Context, id string, count int, block time.Duration) ([]redis.XMessage, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.stream, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("pull", err)
	}
	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return messages, nil
}

// accept turns messages into events. Nothing is recorded unless every stale or
// malformed entry was disposed of, so a failed call can be repeated on the same messages.
func (r *Redis) accept(ctx context.Context, messages []redis.XMessage) ([]Event, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	checkpoint := r.checkpoint
	r.mu.Unlock()

	var (
		stale  []string
		events = make([]Event, 0, len(messages))
		ids    = make([]string, 0, len(messages))
	)
	for _, msg := range messages {
		ev, err := decodeEntry(msg)
		if err != nil {
			if err := r.discard(ctx, msg, ev, err); err != nil {
				return nil, err
			}
			stale = append(stale, msg.ID)
			continue
		}
		if ev.Sequence <= checkpoint {
			// applied before a restart, only the XACK was lost
			stale = append(stale, msg.ID)
			continue
		}
		events = append(events, ev)
		ids = append(ids, msg.ID)
	}
	if len(stale) > 0 {
		if err := r.client.XAck(ctx, r.stream, r.cfg.Group, stale...).Err(); err != nil {
			return nil, unavailable("ack stale entries", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = messages[len(messages)-1].ID
	fresh := events[:0]
	for i, ev := range events {
		if _, seen := r.pending[ev.Sequence]; seen {
			continue
		}
		r.pending[ev.Sequence] = ids[i]
		fresh = append(fresh, ev)
	}
	return fresh, nil
}

func (r *Redis) discard(ctx context.Context, msg redis.XMessage, partial Event, cause error) error {
	logrus.WithError(cause).WithFields(logrus.Fields{
		"stream": r.stream,
		"id":     msg.ID,
	}).Error("Discarding malformed change stream entry")
	if r.cfg.Discard == nil {
		return nil
	}
	ev := Event{
		Key:        msg.ID,
		Kind:       partial.Kind,
		Fields:     make(map[string]any, len(msg.Values)),
		Sequence:   partial.Sequence,
		Version:    partial.Version,
		ReceivedAt: partial.ReceivedAt,
	}
	for name, raw := range msg.Values {
		ev.Fields[name] = fmt.Sprint(raw)
	}
	if err := r.cfg.Discard(ctx, ev, cause); err != nil {
		return unavailable("discard malformed entry", err)
	}
	return nil
}

func decodeEntry(msg redis.XMessage) (Event, error) {
	ev := Event{Fields: make(map[string]any), ReceivedAt: time.Now()}
	var errs []error
	for name, raw := range msg.Values {
		value := fmt.Sprint(raw)
		switch name {
		case fieldKey:
			ev.Key = value
		case fieldOp:
			kind, err := ParseKind(value)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			ev.Kind = kind
		case fieldSeq:
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid sequence %q: %w", value, err))
				continue
			}
			ev.Sequence = Sequence(seq)
		case fieldVersion:
			ev.Version = value
		default:
			ev.Fields[name] = value
		}
	}
	if len(errs) > 0 {
		return ev, errors.Join(errs...)
	}
	if ev.Key == "" || ev.Kind == 0 || ev.Sequence == 0 {
		return ev, fmt.Errorf("entry %s lacks key, op or sequence", msg.ID)
	}
	return ev, nil
}

// Acknowledge implements Source. The checkpoint is persisted before the entries
// are acknowledged in the group, so a crash in between only causes entries that
// Pull will skip.
func (r *Redis) Acknowledge(ctx context.Context, upTo Sequence) error {
	res, err := advanceScript.Run(ctx, r.client, []string{CheckpointKey(r.cfg.Name)}, int64(upTo)).Int64()
	if err != nil {
		return unavailable("acknowledge", err)
	}
	if res < 0 {
		return conflict("acknowledge", fmt.Errorf("stored checkpoint is ahead of %d", upTo))
	}

	r.mu.Lock()
	r.checkpoint = max(r.checkpoint, upTo)
	var ids []string
	for seq, id := range r.pending {
		if seq <= upTo {
			ids = append(ids, id)
			delete(r.pending, seq)
		}
	}
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.stream, r.cfg.Group, ids...).Err(); err != nil {
		return unavailable("acknowledge", err)
	}
	return nil
}

// Checkpoint implements Source
func (r *Redis) Checkpoint(ctx context.Context) (Sequence, error) {
	value, err := r.client.Get(ctx, CheckpointKey(r.cfg.Name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("checkpoint", err)
	}
	return Sequence(value), nil
}

// Close implements Source. The client is owned by the caller.
func (r *Redis) Close() error { return nil }
