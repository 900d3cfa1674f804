package callbacks_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/effective-security/toolhost/callbacks"
	"github.com/effective-security/toolhost/chatmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var list []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		list = append(list, rec)
	}
	require.NoError(t, scanner.Err())
	return list
}

func TestJSONL(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "client.jsonl")

	l, err := callbacks.OpenJSONL(path, 0)
	require.NoError(t, err)

	ctx := chatmodel.WithChatContext(context.Background(), chatmodel.NewChatContext("local", "chat1", nil))
	emit(ctx, l, newModel(t))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Zero(t, l.Dropped())

	// records after Close are dropped
	l.Log(&callbacks.Record{Role: "host", Event: "late"})
	assert.Equal(t, uint64(1), l.Dropped())

	records := readRecords(t, path)
	var events []string
	for _, rec := range records {
		events = append(events, rec["event"].(string))
		assert.NotEmpty(t, rec["ts"])
		assert.Equal(t, "chat1", rec["chat_id"])
	}
	assert.Equal(t, []string{
		"input", "model_request", "model_response", "tool_call", "tool_result",
		"tool_call", "tool_error", "tool_not_found", "connection_lost", "model_error", "turn_end",
	}, events)

	assert.Equal(t, "user", records[0]["role"])
	assert.Equal(t, "test input", records[0]["payload"])

	result := records[4]
	assert.Equal(t, "tool", result["role"])
	assert.Equal(t, "FS__echo", result["tool"])
	assert.Equal(t, "hi", result["payload"].(map[string]any)["content"])

	end := records[10]["payload"].(map[string]any)
	assert.Equal(t, "answer", end["stop"])
	assert.Equal(t, "test output", end["answer"])

	// appends to an existing log
	l, err = callbacks.OpenJSONL(path, 0)
	require.NoError(t, err)
	l.Log(&callbacks.Record{Role: "host", Event: "restart"})
	require.NoError(t, l.Close())
	assert.Len(t, readRecords(t, path), 12)
}

type blockingWriter struct {
	release chan struct{}
	once    sync.Once
	lock    sync.Mutex
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.buf.Write(p)
}

func (w *blockingWriter) Close() error {
	w.once.Do(func() { close(w.release) })
	return nil
}

func TestJSONLDropsWhenFull(t *testing.T) {
	t.Parallel()
	w := &blockingWriter{release: make(chan struct{})}
	l := callbacks.NewJSONL(w, 1)

	for range 10 {
		l.Log(&callbacks.Record{Role: "host", Event: "tick"})
	}
	// at most one record is being written and one is queued
	assert.GreaterOrEqual(t, l.Dropped(), uint64(8))

	w.once.Do(func() { close(w.release) })
	require.NoError(t, l.Close())

	w.lock.Lock()
	lines := bytes.Count(w.buf.Bytes(), []byte("\n"))
	w.lock.Unlock()
	assert.Equal(t, 10-int(l.Dropped()), lines)
}
