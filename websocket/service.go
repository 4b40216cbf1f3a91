package websocket

import (
	"encoding/json"
	"errors"

	"filebridge/bridge"
	"filebridge/transfer"
	"filebridge/watch"
)

type Service interface {
	HandleTextMessage(id string, action string, data json.RawMessage)
	Name() string
	Cleanup(err error)
	Register(conn Writer)
}

// BinaryService receives binary frames in addition to text messages.
type BinaryService interface {
	Service
	HandleBinaryMessage(data []byte)
}

type ServiceMessage struct {
	Service string          `json:"service"`
	Id      string          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Code classifies Error for the client.
	Code string `json:"code,omitempty"`
}

// Reply sends data as the answer to a request. A nil data sends no payload.
func Reply(w Writer, service, id, action string, data any) error {
	msg := &ServiceMessage{Service: service, Id: id, Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	return w.WriteJSON(msg)
}

// ReplyError reports a failed request.
func ReplyError(w Writer, service, id, action string, err error) error {
	return w.WriteJSON(&ServiceMessage{
		Service: service,
		Id:      id,
		Action:  action,
		Error:   err.Error(),
		Code:    ErrorCode(err),
	})
}

// Decode unmarshals a request payload. An empty payload leaves v untouched.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// ErrorCode maps an error to a stable string.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, bridge.ErrUnsupportedFeature):
		return "unsupported"
	case errors.Is(err, bridge.ErrNotFound):
		return "not_found"
	case errors.Is(err, bridge.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, bridge.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, bridge.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, bridge.ErrPartialFailure):
		return "partial_failure"
	case errors.Is(err, bridge.ErrAborted):
		return "aborted"
	case errors.Is(err, transfer.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, watch.ErrOverlappingRoots), errors.Is(err, watch.ErrNotDirectory):
		return "invalid_registration"
	case errors.Is(err, watch.ErrUnknownRegistration):
		return "unknown_registration"
	default:
		return "internal"
	}
}
