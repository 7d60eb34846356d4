package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

func swordEvent() source.Event {
	return source.Event{
		Key:      "object:1",
		Kind:     source.Upsert,
		Fields:   map[string]any{"name": "Sword"},
		Sequence: 5,
		Version:  "2.0.0",
	}
}

func TestNewRecordRoundTripsEvent(t *testing.T) {
	rec := New("objects", swordEvent(), ReasonMapping, errors.New("missing primary key"))
	assert.Equal(t, "objects", rec.Connector)
	assert.Equal(t, ReasonMapping, rec.Reason)
	assert.Equal(t, "missing primary key", rec.Error)
	assert.False(t, rec.CreatedAt.IsZero())

	ev := rec.Event()
	assert.Equal(t, "object:1", ev.Key)
	assert.Equal(t, source.Sequence(5), ev.Sequence)
	assert.Equal(t, "2.0.0", ev.Version)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	shield := swordEvent()
	shield.Key, shield.Sequence = "object:2", 6
	require.NoError(t, m.Put(ctx, []Record{
		New("objects", swordEvent(), ReasonMapping, nil),
		New("weapons", swordEvent(), ReasonWrite, nil),
		New("objects", shield, ReasonWrite, nil),
	}))

	records, err := m.List(ctx, "objects", 0, false)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, int64(3), records[1].ID)

	require.NoError(t, m.MarkReplayed(ctx, []int64{1}))
	records, err = m.List(ctx, "objects", 0, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].ID)

	records, err = m.List(ctx, "objects", 1, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotNil(t, records[0].ReplayedAt)

	m.FailPuts(errors.New("disk full"))
	assert.Error(t, m.Put(ctx, []Record{New("objects", swordEvent(), ReasonWrite, nil)}))
	assert.Equal(t, 3, m.Len())
}

func TestMemoryStoreSkipsStoredEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, []Record{New("objects", swordEvent(), ReasonMapping, errors.New("first"))}))

	// redelivered after a crash before the source was acknowledged
	require.NoError(t, m.Put(ctx, []Record{New("objects", swordEvent(), ReasonMapping, errors.New("again"))}))
	assert.Equal(t, 1, m.Len())

	// a transaction touching two keys shares one sequence
	other := swordEvent()
	other.Key = "object:2"
	require.NoError(t, m.Put(ctx, []Record{New("objects", other, ReasonMapping, nil)}))
	assert.Equal(t, 2, m.Len())

	records, err := m.List(ctx, "objects", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "first", records[0].Error)
}

func TestPostgresPut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rec := New("objects", swordEvent(), ReasonMapping, errors.New("unknown version"))
	mock.ExpectBegin()
	mock.ExpectBatch().ExpectExec(`INSERT INTO kvsync_dead_letter (.+) ON CONFLICT \(connector, sequence, key\) DO NOTHING`).
		WithArgs("objects", "object:1", int64(5), "upsert", `{"name":"Sword"}`, "2.0.0", "mapping", "unknown version", rec.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	store := NewPostgres(mock)
	require.NoError(t, store.Put(context.Background(), []Record{rec}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectBatch().ExpectExec("INSERT INTO kvsync_dead_letter").WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	store := NewPostgres(mock)
	err = store.Put(context.Background(), []Record{New("objects", swordEvent(), ReasonWrite, nil)})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	replayed := created.Add(time.Hour)
	rows := mock.NewRows([]string{"id", "connector", "key", "sequence", "kind", "fields", "version", "reason", "error", "created_at", "replayed_at"}).
		AddRow(int64(1), "objects", "object:1", int64(5), "upsert", []byte(`{"id": 1, "name": "Sword"}`), "", "write", "boom", created, nil).
		AddRow(int64(2), "objects", "object:2", int64(6), "delete", []byte(`{}`), "", "mapping", "bad", created, &replayed)

	mock.ExpectQuery("SELECT (.+) FROM kvsync_dead_letter").
		WithArgs("objects", true, 10).
		WillReturnRows(rows)

	store := NewPostgres(mock)
	records, err := store.List(context.Background(), "objects", 10, true)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, source.Upsert, records[0].Kind)
	assert.Equal(t, source.Sequence(5), records[0].Sequence)
	assert.Equal(t, json.Number("1"), records[0].Fields["id"])
	assert.Equal(t, ReasonWrite, records[0].Reason)
	assert.Nil(t, records[0].ReplayedAt)

	assert.Equal(t, source.Delete, records[1].Kind)
	require.NotNil(t, records[1].ReplayedAt)
	assert.Equal(t, replayed, *records[1].ReplayedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListSourceRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := mock.NewRows([]string{"id", "connector", "key", "sequence", "kind", "fields", "version", "reason", "error", "created_at", "replayed_at"}).
		AddRow(int64(1), "objects", "1714564800000-0", int64(0), "kind(0)", []byte(`{"__op": "rename"}`), "", "source", "unknown mutation kind", created, nil)
	mock.ExpectQuery("SELECT (.+) FROM kvsync_dead_letter").
		WithArgs("objects", false, 100).
		WillReturnRows(rows)

	records, err := NewPostgres(mock).List(context.Background(), "objects", 0, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonSource, records[0].Reason)
	assert.Equal(t, source.Kind(0), records[0].Kind)
	assert.Equal(t, "rename", records[0].Fields["__op"])

	rows = mock.NewRows([]string{"id", "connector", "key", "sequence", "kind", "fields", "version", "reason", "error", "created_at", "replayed_at"}).
		AddRow(int64(2), "objects", "object:1", int64(5), "kind(0)", []byte(`{}`), "", "write", "", created, nil)
	mock.ExpectQuery("SELECT (.+) FROM kvsync_dead_letter").
		WithArgs("objects", false, 100).
		WillReturnRows(rows)
	_, err = NewPostgres(mock).List(context.Background(), "objects", 0, false)
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkReplayed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE kvsync_dead_letter SET replayed_at").
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	store := NewPostgres(mock)
	require.NoError(t, store.MarkReplayed(context.Background(), []int64{1, 2}))
	require.NoError(t, store.MarkReplayed(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
