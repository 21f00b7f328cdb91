package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringDecoder(_ string, raw []byte) (interface{}, error) {
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

func TestRedisLevelGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	level := NewRedisLevel(db, "test:", stringDecoder)

	fetchedAt := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(redisEnvelope{
		Source:    "coingecko",
		FetchedAt: fetchedAt,
		Value:     json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)

	mock.ExpectGet("test:market/quotes&symbols=BTC").SetVal(string(data))

	p, ok := level.Get(context.Background(), "market/quotes&symbols=BTC")
	require.True(t, ok)
	assert.Equal(t, "hello", p.Value)
	assert.Equal(t, "coingecko", p.Source)
	assert.True(t, p.FetchedAt.Equal(fetchedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLevelMissOnNil(t *testing.T) {
	db, mock := redismock.NewClientMock()
	level := NewRedisLevel(db, "test:", stringDecoder)

	mock.ExpectGet("test:absent").RedisNil()

	_, ok := level.Get(context.Background(), "absent")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLevelMissOnMalformedEntry(t *testing.T) {
	db, mock := redismock.NewClientMock()
	level := NewRedisLevel(db, "test:", stringDecoder)

	mock.ExpectGet("test:bad").SetVal("{not json")

	_, ok := level.Get(context.Background(), "bad")
	assert.False(t, ok)
}

func TestRedisLevelSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	level := NewRedisLevel(db, "test:", stringDecoder)

	p := Payload{
		Value:     "hello",
		Source:    "coingecko",
		FetchedAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	expected, err := json.Marshal(redisEnvelope{
		Source:    p.Source,
		FetchedAt: p.FetchedAt,
		Value:     json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)

	mock.ExpectSet("test:k", expected, time.Minute).SetVal("OK")

	level.Set(context.Background(), "k", p, time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLevelSetErrorIsSwallowed(t *testing.T) {
	db, mock := redismock.NewClientMock()
	level := NewRedisLevel(db, "test:", stringDecoder)

	mock.Regexp().ExpectSet("test:k", `.*`, time.Minute).SetErr(assert.AnError)

	// Writes are best-effort; the call must not panic or block.
	level.Set(context.Background(), "k", Payload{Value: "v"}, time.Minute)
}
