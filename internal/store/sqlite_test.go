package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/pulsequery/query"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "pulsequery.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return openTestSQLite(t)
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := OpenSQLite(":memory:", 0)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	q, err := s.CreateQuery(ctx, countDef("happy"))
	require.NoError(t, err)

	got, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsequery.db")
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)

	s, err := OpenSQLite(path, 0)
	require.NoError(t, err)

	q, err := s.CreateQuery(ctx, countDef("happy"))
	require.NoError(t, err)
	_, err = s.InsertResult(ctx, query.Result{QueryID: q.ID, Time: at, Values: []float64{3, 1.5}})
	require.NoError(t, err)
	_, err = s.PutReply(ctx, query.Reply{Seq: 7, Command: "echo hi", Output: "hi\n", ExitCode: 0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	qs, err := reopened.ListQueries(ctx)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, q.ID, qs[0].ID)
	assert.Equal(t, query.AggregatorCount, qs[0].Select.Aggregator)
	assert.JSONEq(t, string(q.Where), string(qs[0].Where))

	rs, err := reopened.ListResults(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.True(t, rs[0].Time.Equal(at), "time = %v, want %v", rs[0].Time, at)
	assert.Equal(t, []float64{3, 1.5}, rs[0].Values)

	reply, err := reopened.LastReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.Seq)
	assert.Equal(t, "hi\n", reply.Output)

	// the seq ordering survives a restart
	ok, err := reopened.PutReply(ctx, query.Reply{Seq: 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStore_KeepsMalformedDefinitions(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	def := query.Definition{
		Select: query.Select{Aggregator: "median", Field: "x"},
		Where:  []byte(`{"text":{"like":"abc"}}`),
	}
	q, err := s.CreateQuery(ctx, def)
	require.NoError(t, err)

	got, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, query.Aggregator("median"), got.Select.Aggregator)
	assert.Error(t, got.Validate())
}

func TestSQLiteStore_KeepsUndecodableSelect(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	var def query.Definition
	require.NoError(t, json.Unmarshal([]byte(`{"select":"count(*)"}`), &def))
	q, err := s.CreateQuery(ctx, def)
	require.NoError(t, err)

	got, err := s.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	data, err := json.Marshal(got.Select)
	require.NoError(t, err)
	assert.JSONEq(t, `"count(*)"`, string(data))
	assert.ErrorIs(t, got.Validate(), query.ErrInvalidSelect)
}

func TestSQLiteStore_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenSQLite(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
