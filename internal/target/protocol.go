// Package target connects to a running desktop application through its
// Chrome DevTools Protocol endpoint: it discovers debuggable targets on
// candidate ports and speaks CDP JSON-RPC over a WebSocket.
package target

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoTarget     = errors.New("no debuggable target found")
	ErrClosed       = errors.New("cdp connection closed")
	ErrEvaluation   = errors.New("evaluation threw an exception")
	ErrUnserialized = errors.New("evaluation result is not serializable")
)

// request is an outgoing CDP command.
type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// message is any incoming frame: a response carries ID, an event carries Method.
type message struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is a CDP protocol-level error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// remoteObject is the subset of Runtime.RemoteObject we read.
type remoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	// Set when returnByValue could not serialize the value.
	UnserializableValue string `json:"unserializableValue,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception,omitempty"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
	AwaitPromise  bool   `json:"awaitPromise"`
	UserGesture   bool   `json:"userGesture"`
	Timeout       int64  `json:"timeout,omitempty"` // ms
}

type evaluateResult struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

type screenshotParams struct {
	Format  string `json:"format"`
	Quality int    `json:"quality,omitempty"`
}

type screenshotResult struct {
	Data string `json:"data"` // base64
}
