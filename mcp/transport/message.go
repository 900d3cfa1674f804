package transport

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// RequestId is the JSON-RPC request id. Clients in this module always use
// integers allocated from a monotonic counter.
type RequestId int64

// JsonRpcBody is the result payload of a handled request.
type JsonRpcBody any

// BaseMessageType identifies which variant a BaseJsonRpcMessage carries.
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJSONRPCRequest is a request that expects a response.
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way message.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response to a request.
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner is the error object of a failed request.
type BaseJSONRPCErrorInner struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// BaseJSONRPCError is a response indicating that a request failed.
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseJsonRpcMessage carries exactly one of the four JSON-RPC variants.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request.
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification.
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response.
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response.
func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

// MessageID returns the id of a request, response or error, and 0 for notifications.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return 0
}

// Method returns the method of a request or notification.
func (m *BaseJsonRpcMessage) Method() string {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Method
	case BaseMessageTypeJSONRPCNotificationType:
		return m.JsonRpcNotification.Method
	}
	return ""
}

// MarshalJSON encodes the carried variant.
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %q", m.Type)
}

type frameFields struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// ParseMessage classifies a single JSON-RPC frame.
// Any frame that is not a JSON object with a recognizable shape
// is reported as ErrProtocol.
func ParseMessage(data []byte) (*BaseJsonRpcMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Wrap(ErrProtocol, "frame is not a JSON object")
	}

	var p frameFields
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "malformed frame: %s", err.Error())
	}

	hasID := len(p.Id) > 0 && !bytes.Equal(p.Id, []byte("null"))
	var id RequestId
	if hasID {
		if err := json.Unmarshal(p.Id, &id); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "unsupported id: %s", string(p.Id))
		}
	}

	switch {
	case p.Method != "" && hasID:
		return NewBaseMessageRequest(&BaseJSONRPCRequest{
			Jsonrpc: p.Jsonrpc,
			Method:  p.Method,
			Params:  p.Params,
			Id:      id,
		}), nil
	case p.Method != "":
		return NewBaseMessageNotification(&BaseJSONRPCNotification{
			Jsonrpc: p.Jsonrpc,
			Method:  p.Method,
			Params:  p.Params,
		}), nil
	case len(p.Error) > 0 && !bytes.Equal(p.Error, []byte("null")):
		msg := &BaseJSONRPCError{Jsonrpc: p.Jsonrpc, Id: id}
		if err := json.Unmarshal(p.Error, &msg.Error); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "malformed error object: %s", err.Error())
		}
		return NewBaseMessageError(msg), nil
	case hasID:
		return NewBaseMessageResponse(&BaseJSONRPCResponse{
			Jsonrpc: p.Jsonrpc,
			Id:      id,
			Result:  p.Result,
		}), nil
	}
	return nil, errors.Wrap(ErrProtocol, "frame is neither request, notification nor response")
}
