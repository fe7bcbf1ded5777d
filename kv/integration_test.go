package kv

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("FIELDSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FIELDSYNC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedis(client, "fieldsync-test-"+uuid.NewString()+":")
	defer s.Close()

	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FIELDSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIELDSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	table := "fieldsync_kv_test_" + uuid.New().String()[:8]
	s := NewPostgres(pool, table)

	// Before migration the store reads as empty.
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, ok, err := s.Get(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Migrate(ctx))
	defer func() {
		_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.table)
	}()

	exerciseStore(t, s)
}
