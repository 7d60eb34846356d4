package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

func TestHaltedConnectorDoesNotStopOthers(t *testing.T) {
	broken := newHarness(t, through(t), func(c *Config) {
		c.Name = "broken"
		c.Retry = fastRetry(1)
	})
	broken.w.failTransient.Store(-1)
	healthy := newHarness(t, through(t), func(c *Config) { c.Name = "healthy" })

	svc, err := NewService(broken.conn, healthy.conn)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	broken.src.Publish("object:1", source.Upsert, map[string]any{"id": 1, "name": "Sword"})
	waitState(t, broken.conn, Halted)

	healthy.src.Publish("object:1", source.Upsert, map[string]any{"id": 1, "name": "Sword"})
	healthy.waitCheckpoint(t, 1)

	statuses := svc.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "broken", statuses[0].Name)
	assert.Equal(t, Halted, statuses[0].State)
	assert.Equal(t, source.Sequence(1), statuses[1].CommittedUpTo)

	require.ErrorIs(t, svc.Reset("healthy"), ErrNotHalted)
	broken.w.failTransient.Store(0)
	require.NoError(t, svc.Reset("broken"))
	broken.waitCheckpoint(t, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("service did not stop")
	}
	for _, st := range svc.Status() {
		assert.Equal(t, Stopped, st.State)
	}
	assert.NoError(t, svc.Close())
}

func TestNewServiceRejectsDuplicates(t *testing.T) {
	a := newHarness(t, through(t))
	b := newHarness(t, through(t))
	_, err := NewService(a.conn, b.conn)
	assert.EqualError(t, err, `connector "objects" is declared twice`)
}

func TestServiceUnknownConnector(t *testing.T) {
	h := newHarness(t, through(t))
	svc, err := NewService(h.conn)
	require.NoError(t, err)

	c, err := svc.Connector("objects")
	require.NoError(t, err)
	assert.Same(t, h.conn, c)

	_, err = svc.Connector("players")
	assert.ErrorIs(t, err, ErrUnknownConnector)
	assert.ErrorIs(t, svc.Reset("players"), ErrUnknownConnector)
	_, err = svc.DeadLetters(context.Background(), "players", 10, false)
	assert.ErrorIs(t, err, ErrUnknownConnector)
	_, err = svc.Replay(context.Background(), "players", 10)
	assert.ErrorIs(t, err, ErrUnknownConnector)

	records, err := svc.DeadLetters(context.Background(), "objects", 10, false)
	require.NoError(t, err)
	assert.Empty(t, records)
	res, err := svc.Replay(context.Background(), "objects", 10)
	require.NoError(t, err)
	assert.Zero(t, res)
}

type closingSource struct {
	*source.Memory
	err error
}

func (s closingSource) Close() error { return s.err }

func TestServiceCloseJoinsErrors(t *testing.T) {
	h := newHarness(t, through(t))
	c, err := NewConnector(Config{Name: "players", Mapping: objectsMapping(t)}, Deps{
		Source:      closingSource{Memory: source.NewMemory(), err: errors.New("connection refused")},
		Writer:      h.w,
		DeadLetters: h.dlq,
	})
	require.NoError(t, err)

	svc, err := NewService(h.conn, c)
	require.NoError(t, err)
	err = svc.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `failed to close source of "players"`)
}
