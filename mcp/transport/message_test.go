package transport_test

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name   string
		data   string
		exp    transport.BaseMessageType
		id     transport.RequestId
		method string
	}{
		{"request", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, transport.BaseMessageTypeJSONRPCRequestType, 7, "ping"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, transport.BaseMessageTypeJSONRPCNotificationType, 0, "notifications/tools/list_changed"},
		{"response", `{"jsonrpc":"2.0","id":3,"result":{"tools":[]}}`, transport.BaseMessageTypeJSONRPCResponseType, 3, ""},
		{"error", `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"nope"}}`, transport.BaseMessageTypeJSONRPCErrorType, 4, ""},
		{"padded", "  {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":null}\r\n", transport.BaseMessageTypeJSONRPCResponseType, 5, ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := transport.ParseMessage([]byte(tc.data))
			require.NoError(t, err)
			assert.Equal(t, tc.exp, msg.Type)
			assert.Equal(t, tc.id, msg.MessageID())
			assert.Equal(t, tc.method, msg.Method())
		})
	}

	msg, err := transport.ParseMessage([]byte(`{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"nope"}}`))
	require.NoError(t, err)
	assert.EqualError(t, &msg.JsonRpcError.Error, "RPC error -32601: nope")
}

func TestParseMessage_Malformed(t *testing.T) {
	t.Parallel()

	for _, data := range []string{
		``,
		`not json at all`,
		`[1,2,3]`,
		`{"jsonrpc":"2.0"`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","id":"abc","result":{}}`,
		`{"jsonrpc":"2.0","id":1,"error":"boom"}`,
	} {
		_, err := transport.ParseMessage([]byte(data))
		require.Error(t, err, data)
		assert.True(t, errors.Is(err, transport.ErrProtocol), data)
	}
}

func TestMessageMarshal(t *testing.T) {
	t.Parallel()

	req := transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  "tools/list",
		Id:      12,
	})
	js, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"tools/list","id":12}`, string(js))

	back, err := transport.ParseMessage(js)
	require.NoError(t, err)
	assert.Equal(t, req.JsonRpcRequest.Method, back.JsonRpcRequest.Method)
	assert.Equal(t, req.JsonRpcRequest.Id, back.JsonRpcRequest.Id)

	_, err = json.Marshal(&transport.BaseJsonRpcMessage{Type: "bogus"})
	require.Error(t, err)
}
