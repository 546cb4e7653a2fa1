// Package wsremote carries the remote.Service contract over a websocket.
//
// Requests and responses are JSON text messages. A Server exposes any
// remote.Service; a Client dials a Server and implements remote.Service.
package wsremote

import (
	"errors"
	"fmt"

	"github.com/vango-dev/nest/pkg/remote"
)

// Op names a request.
type Op string

const (
	OpWatch   Op = "watch"
	OpUnwatch Op = "unwatch"
	OpGet     Op = "get"
	OpSet     Op = "set"
	OpUpdate  Op = "update"
	OpPush    Op = "push"
	OpRemove  Op = "remove"
)

// MessageType names a response.
type MessageType string

const (
	TypeReply MessageType = "reply"
	TypeEvent MessageType = "event"
	TypeError MessageType = "error"
)

// Error codes carried by error responses.
const (
	CodeDenied   = "denied"
	CodeClosed   = "closed"
	CodeBadInput = "bad_request"
	CodeInternal = "internal"
)

// Request is a client to server message. Watch requests use ID as the
// watch identifier for the lifetime of the watch.
type Request struct {
	ID     uint64           `json:"id"`
	Op     Op               `json:"op"`
	Watch  uint64           `json:"watch,omitempty"`
	Query  *remote.Query    `json:"query,omitempty"`
	Mode   remote.WatchMode `json:"mode,omitempty"`
	Path   string           `json:"path,omitempty"`
	Value  any              `json:"value,omitempty"`
	Values map[string]any   `json:"values,omitempty"`
}

// Response is a server to client message.
type Response struct {
	ID       uint64           `json:"id,omitempty"`
	Type     MessageType      `json:"type"`
	Watch    uint64           `json:"watch,omitempty"`
	Event    *remote.Event    `json:"event,omitempty"`
	Snapshot *remote.Snapshot `json:"snapshot,omitempty"`
	Key      string           `json:"key,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, remote.ErrPermissionDenied):
		return CodeDenied
	case errors.Is(err, remote.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// responseError rebuilds an error from an error response so callers can
// match the remote sentinels.
func responseError(r Response) error {
	switch r.Code {
	case CodeDenied:
		return fmt.Errorf("%w: %s", remote.ErrPermissionDenied, r.Error)
	case CodeClosed:
		return fmt.Errorf("%w: %s", remote.ErrClosed, r.Error)
	default:
		return fmt.Errorf("wsremote: %s", r.Error)
	}
}
