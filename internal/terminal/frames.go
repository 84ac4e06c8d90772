// Package terminal bridges one client websocket to the interactive exec
// stream inside a sandbox container: output fan-out, input validation,
// resize, and startup-command playback.
package terminal

import "encoding/json"

// Frame types sent server to client.
const (
	TypeConnected    = "connected"
	TypeOutput       = "output"
	TypeError        = "error"
	TypeInitComplete = "initComplete"
)

// Frame types received client to server.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypeInit   = "init"
)

// ServerFrame is any frame the bridge sends to the client.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ClientFrame is a tagged message from the client.
type ClientFrame struct {
	Type string `json:"type"`

	// input
	Data string `json:"data,omitempty"`

	// resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// init
	Commands  []string `json:"commands,omitempty"`
	TimeoutMs int      `json:"timeout,omitempty"`
	Silent    bool     `json:"silent,omitempty"`
}

// ParseClientFrame decodes a tagged client frame. Anything that is not
// valid tagged JSON is treated as raw terminal input carrying the payload
// bytes verbatim.
func ParseClientFrame(raw []byte) ClientFrame {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		return ClientFrame{Type: TypeInput, Data: string(raw)}
	}
	switch frame.Type {
	case TypeInput, TypeResize, TypeInit:
		return frame
	default:
		return ClientFrame{Type: TypeInput, Data: string(raw)}
	}
}

func connectedFrame(sessionID string) ServerFrame {
	return ServerFrame{Type: TypeConnected, SessionID: sessionID}
}

func outputFrame(data string) ServerFrame {
	return ServerFrame{Type: TypeOutput, Data: data}
}

func errorFrame(message string) ServerFrame {
	return ServerFrame{Type: TypeError, Message: message}
}

func initCompleteFrame(success bool, errMsg string) ServerFrame {
	return ServerFrame{Type: TypeInitComplete, Success: &success, Error: errMsg}
}
