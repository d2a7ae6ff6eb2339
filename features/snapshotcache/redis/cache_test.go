package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/snapshot"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testVersion() *snapshot.Version {
	return &snapshot.Version{
		ID:          "wf1-v1",
		CompanyID:   "co1",
		WorkflowID:  "wf1",
		Version:     1,
		ContentHash: "abc123",
		Snapshot: snapshot.Snapshot{
			WorkflowID: "wf1",
			Name:       "fiber-install",
		},
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		CreatedBy: "user-1",
	}
}

func countingLoader(v *snapshot.Version) (Loader, *int) {
	calls := 0
	return func(ctx context.Context, versionID string) (*snapshot.Version, error) {
		calls++
		return v, nil
	}, &calls
}

func TestNewRequiresClientAndLoader(t *testing.T) {
	_, client := testClient(t)
	loader, _ := countingLoader(testVersion())

	_, err := New(Options{Loader: loader})
	require.Error(t, err)
	_, err = New(Options{Client: client})
	require.Error(t, err)
}

func TestGetReadsThroughOnce(t *testing.T) {
	_, client := testClient(t)
	loader, calls := countingLoader(testVersion())
	cache, err := New(Options{Client: client, Loader: loader})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := cache.Get(ctx, "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "wf1-v1", first.ID)

	second, err := cache.Get(ctx, "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, "fiber-install", second.Snapshot.Name)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
}

func TestGetAppliesTTL(t *testing.T) {
	mr, client := testClient(t)
	loader, _ := countingLoader(testVersion())
	cache, err := New(Options{Client: client, Loader: loader, TTL: time.Minute})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("flowspec:version:wf1-v1"))
}

func TestGetDropsCorruptEntry(t *testing.T) {
	mr, client := testClient(t)
	loader, calls := countingLoader(testVersion())
	cache, err := New(Options{Client: client, Loader: loader})
	require.NoError(t, err)

	require.NoError(t, mr.Set("flowspec:version:wf1-v1", "{not json"))

	v, err := cache.Get(context.Background(), "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "wf1-v1", v.ID)

	// The corrupt entry was replaced with a good one.
	_, err = cache.Get(context.Background(), "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
}

func TestGetFallsBackWhenRedisDown(t *testing.T) {
	mr, client := testClient(t)
	loader, calls := countingLoader(testVersion())
	cache, err := New(Options{Client: client, Loader: loader})
	require.NoError(t, err)

	mr.Close()

	v, err := cache.Get(context.Background(), "wf1-v1")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, "wf1-v1", v.ID)
}

func TestGetHonorsKeyPrefix(t *testing.T) {
	mr, client := testClient(t)
	loader, _ := countingLoader(testVersion())
	cache, err := New(Options{Client: client, Loader: loader, KeyPrefix: "other:ns"})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "wf1-v1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("other:ns:wf1-v1"))
}
