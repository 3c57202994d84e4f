// Package protocol is the line-delimited JSON control channel between the
// orchestrator and a worker. Every line is one message and is parsed on its
// own; anything that does not parse is passed on as raw text.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dex/internal/progress"
)

// Type discriminates messages.
type Type string

const (
	TypeReady           Type = "ready"
	TypeRun             Type = "run"
	TypeStatus          Type = "status"
	TypeLog             Type = "log"
	TypeData            Type = "data"
	TypeResult          Type = "result"
	TypeError           Type = "error"
	TypeNetworkCaptured Type = "network-captured"
)

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeReady, TypeRun, TypeStatus, TypeLog, TypeData, TypeResult, TypeError, TypeNetworkCaptured:
		return true
	}
	return false
}

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	return t == TypeResult || t == TypeError
}

// DebugMarker prefixes data values meant for developers only.
const DebugMarker = "[debug]"

// RunRequest is the body of the run command.
type RunRequest struct {
	RunID         string `json:"runId"`
	ConnectorPath string `json:"connectorPath"`
	URL           string `json:"url"`
	Headless      bool   `json:"headless"`
	ForceHeaded   bool   `json:"forceHeaded"`
}

// Validate checks the required fields.
func (r RunRequest) Validate() error {
	if r.RunID == "" {
		return errors.New("run request: runId must be non-empty")
	}
	if r.ConnectorPath == "" {
		return errors.New("run request: connectorPath must be non-empty")
	}
	return nil
}

// StartHeadless reports whether the browser should start hidden.
func (r RunRequest) StartHeadless() bool {
	return r.Headless && !r.ForceHeaded
}

// Message is any protocol message. Which fields are meaningful depends on Type.
type Message struct {
	Type Type

	Run *RunRequest // run

	Status  json.RawMessage // status: a JSON string or object
	Message string          // log, error
	Key     string          // data, network-captured
	Value   json.RawMessage // data
	URL     string          // network-captured
	Data    json.RawMessage // result
}

type runWire struct {
	Type Type `json:"type"`
	RunRequest
}

type statusWire struct {
	Type   Type            `json:"type"`
	Status json.RawMessage `json:"status"`
}

type textWire struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

type dataWire struct {
	Type  Type            `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type resultWire struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type capturedWire struct {
	Type Type   `json:"type"`
	Key  string `json:"key"`
	URL  string `json:"url"`
}

// inbound has the union of all fields.
type inbound struct {
	Type          Type            `json:"type"`
	RunID         string          `json:"runId"`
	ConnectorPath string          `json:"connectorPath"`
	URL           string          `json:"url"`
	Headless      bool            `json:"headless"`
	ForceHeaded   bool            `json:"forceHeaded"`
	Status        json.RawMessage `json:"status"`
	Message       string          `json:"message"`
	Key           string          `json:"key"`
	Value         json.RawMessage `json:"value"`
	Data          json.RawMessage `json:"data"`
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// MarshalJSON writes exactly the fields of m's type.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeReady:
		return json.Marshal(struct {
			Type Type `json:"type"`
		}{m.Type})
	case TypeRun:
		if m.Run == nil {
			return nil, errors.New("run message without request")
		}
		return json.Marshal(runWire{Type: m.Type, RunRequest: *m.Run})
	case TypeStatus:
		return json.Marshal(statusWire{Type: m.Type, Status: orNull(m.Status)})
	case TypeLog, TypeError:
		return json.Marshal(textWire{Type: m.Type, Message: m.Message})
	case TypeData:
		return json.Marshal(dataWire{Type: m.Type, Key: m.Key, Value: orNull(m.Value)})
	case TypeResult:
		return json.Marshal(resultWire{Type: m.Type, Data: orNull(m.Data)})
	case TypeNetworkCaptured:
		return json.Marshal(capturedWire{Type: m.Type, Key: m.Key, URL: m.URL})
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
}

// UnmarshalJSON accepts any known message type.
func (m *Message) UnmarshalJSON(b []byte) error {
	var in inbound
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if !in.Type.Known() {
		return fmt.Errorf("unknown message type %q", in.Type)
	}

	*m = Message{Type: in.Type}
	switch in.Type {
	case TypeRun:
		m.Run = &RunRequest{
			RunID:         in.RunID,
			ConnectorPath: in.ConnectorPath,
			URL:           in.URL,
			Headless:      in.Headless,
			ForceHeaded:   in.ForceHeaded,
		}
	case TypeStatus:
		m.Status = in.Status
	case TypeLog, TypeError:
		m.Message = in.Message
	case TypeData:
		m.Key, m.Value = in.Key, in.Value
	case TypeResult:
		m.Data = in.Data
	case TypeNetworkCaptured:
		m.Key, m.URL = in.Key, in.URL
	}
	return nil
}

// Ready builds the ready message.
func Ready() Message { return Message{Type: TypeReady} }

// Run builds the run command.
func Run(req RunRequest) Message { return Message{Type: TypeRun, Run: &req} }

// Log builds a log message.
func Log(text string) Message { return Message{Type: TypeLog, Message: text} }

// Error builds the terminal error message.
func Error(text string) Message { return Message{Type: TypeError, Message: text} }

// NetworkCaptured builds a network-captured notice.
func NetworkCaptured(key, url string) Message {
	return Message{Type: TypeNetworkCaptured, Key: key, URL: url}
}

// Status builds a status message. v is usually a string or a progress.Update.
func Status(v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode status: %w", err)
	}
	return Message{Type: TypeStatus, Status: raw}, nil
}

// Data builds a data message.
func Data(key string, v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode data %s: %w", key, err)
	}
	return Message{Type: TypeData, Key: key, Value: raw}, nil
}

// Result builds the terminal result message.
func Result(v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode result: %w", err)
	}
	return Message{Type: TypeResult, Data: raw}, nil
}

// StatusText returns the status payload when it is a plain string.
func (m Message) StatusText() (string, bool) {
	var s string
	if m.Type != TypeStatus || json.Unmarshal(m.Status, &s) != nil {
		return "", false
	}
	return s, true
}

// Progress returns the status payload when it is a well-formed progress update.
func (m Message) Progress() (progress.Update, bool) {
	var u progress.Update
	if m.Type != TypeStatus || len(m.Status) == 0 || m.Status[0] != '{' {
		return u, false
	}
	if err := json.Unmarshal(m.Status, &u); err != nil || u.Validate() != nil {
		return u, false
	}
	return u, true
}

// DebugText returns a data value carrying the debug marker, without it.
func (m Message) DebugText() (string, bool) {
	var s string
	if m.Type != TypeData || json.Unmarshal(m.Value, &s) != nil {
		return "", false
	}
	if !strings.HasPrefix(s, DebugMarker) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, DebugMarker)), true
}
