package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC version carried by every bridge message.
const Version = "2.0"

// Error codes
const (
	InvalidParams = -32602
	InternalError = -32603
)

// wireMessage is a call, a notification (a call without ID) or a reply.
// Messages without the version marker are not bridge traffic and are ignored.
type wireMessage struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	ID      string            `json:"id,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *RemoteError      `json:"error,omitempty"`
}

func (m *wireMessage) isCall() bool {
	return m.Method != ""
}

func (m *wireMessage) isReply() bool {
	return m.Method == "" && m.ID != "" && (m.Result != nil || m.Error != nil)
}

// RemoteError is a handler failure reported by a peer.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error %d: %s", e.Code, e.Message)
}

func toRemoteError(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Code: InternalError, Message: err.Error()}
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := encodeValue(arg)
		if err != nil {
			return nil, fmt.Errorf("bridge: encode argument %d: %w", i, err)
		}
		params = append(params, raw)
	}
	return params, nil
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	return json.Marshal(v)
}
