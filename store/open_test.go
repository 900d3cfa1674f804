package store_test

import (
	"context"
	"testing"

	"github.com/effective-security/toolhost/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Open(t *testing.T) {
	ctx := context.Background()

	st, closer, err := store.Open(ctx, store.Config{})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NoError(t, closer())
	testStore(t, st)

	st, closer, err = store.Open(ctx, store.Config{Kind: store.KindMemory, Limit: 5})
	require.NoError(t, err)
	defer closer()
	testLimit(t, st)

	_, _, err = store.Open(ctx, store.Config{Kind: "sqlite"})
	assert.EqualError(t, err, "unsupported store kind: sqlite")

	_, _, err = store.Open(ctx, store.Config{Kind: store.KindRedis, URL: "http://localhost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}
