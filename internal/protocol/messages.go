// Package protocol defines the messages exchanged between muxd clients
// and the server, their encoding, and the framing used on control
// sockets.
//
// A frame is an 8-byte native-endian payload length, the payload, and a
// single NUL byte. The payload is produced by a Codec; CBORCodec is the
// default.
package protocol

import (
	"fmt"
	"time"
)

// Kind identifies a message type on the wire.
type Kind uint16

const (
	KindConnectionNotification Kind = iota + 1
	KindClientIDRequest
	KindClientIDResponse
	KindDataSocketRequest
	KindDataSocketResponse
	KindSessionListRequest
	KindSessionListResponse
	KindMakeSessionRequest
	KindMakeSessionResponse
	KindAttachRequest
	KindAttachResponse
	KindDetachRequest
	KindDetachResponse
	KindDetachedNotification
	KindSignalRequest
	KindRedrawNotification
	KindStatisticsRequest
	KindStatisticsResponse
)

var kindNames = map[Kind]string{
	KindConnectionNotification: "ConnectionNotification",
	KindClientIDRequest:        "ClientIDRequest",
	KindClientIDResponse:       "ClientIDResponse",
	KindDataSocketRequest:      "DataSocketRequest",
	KindDataSocketResponse:     "DataSocketResponse",
	KindSessionListRequest:     "SessionListRequest",
	KindSessionListResponse:    "SessionListResponse",
	KindMakeSessionRequest:     "MakeSessionRequest",
	KindMakeSessionResponse:    "MakeSessionResponse",
	KindAttachRequest:          "AttachRequest",
	KindAttachResponse:         "AttachResponse",
	KindDetachRequest:          "DetachRequest",
	KindDetachResponse:         "DetachResponse",
	KindDetachedNotification:   "DetachedNotification",
	KindSignalRequest:          "SignalRequest",
	KindRedrawNotification:     "RedrawNotification",
	KindStatisticsRequest:      "StatisticsRequest",
	KindStatisticsResponse:     "StatisticsResponse",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Message is implemented by pointers to every message struct.
type Message interface {
	Kind() Kind
}

// newMessage returns a zero message of kind k, or nil if k is unknown.
func newMessage(k Kind) Message {
	switch k {
	case KindConnectionNotification:
		return &ConnectionNotification{}
	case KindClientIDRequest:
		return &ClientIDRequest{}
	case KindClientIDResponse:
		return &ClientIDResponse{}
	case KindDataSocketRequest:
		return &DataSocketRequest{}
	case KindDataSocketResponse:
		return &DataSocketResponse{}
	case KindSessionListRequest:
		return &SessionListRequest{}
	case KindSessionListResponse:
		return &SessionListResponse{}
	case KindMakeSessionRequest:
		return &MakeSessionRequest{}
	case KindMakeSessionResponse:
		return &MakeSessionResponse{}
	case KindAttachRequest:
		return &AttachRequest{}
	case KindAttachResponse:
		return &AttachResponse{}
	case KindDetachRequest:
		return &DetachRequest{}
	case KindDetachResponse:
		return &DetachResponse{}
	case KindDetachedNotification:
		return &DetachedNotification{}
	case KindSignalRequest:
		return &SignalRequest{}
	case KindRedrawNotification:
		return &RedrawNotification{}
	case KindStatisticsRequest:
		return &StatisticsRequest{}
	case KindStatisticsResponse:
		return &StatisticsResponse{}
	}
	return nil
}

// ConnectionNotification is the first message on every new connection.
type ConnectionNotification struct {
	Accepted bool   `cbor:"accepted"`
	Reason   string `cbor:"reason,omitempty"`
}

// ClientIDRequest asks the server for an identity on the control socket.
type ClientIDRequest struct{}

// ClientIDResponse carries the client's ID and the one-shot nonce that
// authorizes its data socket.
type ClientIDResponse struct {
	ID    uint64 `cbor:"id"`
	Nonce string `cbor:"nonce"`
}

// DataSocketRequest claims the sending connection as the data socket of
// client ID.
type DataSocketRequest struct {
	ID    uint64 `cbor:"id"`
	Nonce string `cbor:"nonce"`
}

type DataSocketResponse struct {
	Success bool `cbor:"success"`
}

type SessionListRequest struct{}

// SessionInfo describes one session in a SessionListResponse.
type SessionInfo struct {
	Name    string    `cbor:"name"`
	Created time.Time `cbor:"created"`
	PID     int       `cbor:"pid"`
	Clients int       `cbor:"clients"`
}

type SessionListResponse struct {
	Sessions []SessionInfo `cbor:"sessions"`
}

// SpawnOptions describe the program a new session runs.
type SpawnOptions struct {
	Program          string            `cbor:"program,omitempty"`
	Arguments        []string          `cbor:"arguments,omitempty"`
	SetEnvironment   map[string]string `cbor:"set_env,omitempty"`
	UnsetEnvironment []string          `cbor:"unset_env,omitempty"`
	Dir              string            `cbor:"dir,omitempty"`
	Rows             uint16            `cbor:"rows,omitempty"`
	Columns          uint16            `cbor:"columns,omitempty"`
}

// MakeSessionRequest creates a session. An empty name lets the server
// choose one.
type MakeSessionRequest struct {
	Name  string       `cbor:"name,omitempty"`
	Spawn SpawnOptions `cbor:"spawn"`
}

type MakeSessionResponse struct {
	Name    string `cbor:"name"`
	Success bool   `cbor:"success"`
	Reason  string `cbor:"reason,omitempty"`
}

type AttachRequest struct {
	Name string `cbor:"name"`
}

type AttachResponse struct {
	Success bool   `cbor:"success"`
	Session string `cbor:"session"`
}

// DetachMode selects whom a DetachRequest detaches from the requester's
// session.
type DetachMode uint8

const (
	// DetachSelf detaches the requesting client.
	DetachSelf DetachMode = iota
	// DetachLatest detaches the most recently attached client.
	DetachLatest
	// DetachAll detaches every client.
	DetachAll
)

func (m DetachMode) String() string {
	switch m {
	case DetachSelf:
		return "self"
	case DetachLatest:
		return "latest"
	case DetachAll:
		return "all"
	}
	return fmt.Sprintf("DetachMode(%d)", uint8(m))
}

type DetachRequest struct {
	Mode DetachMode `cbor:"mode"`
}

type DetachResponse struct {
	Detached int `cbor:"detached"`
}

// DetachReason tells a client why it is no longer attached.
type DetachReason uint8

const (
	ReasonDetach DetachReason = iota
	ReasonExit
	ReasonServerShutdown
	ReasonKicked
)

func (r DetachReason) String() string {
	switch r {
	case ReasonDetach:
		return "detached"
	case ReasonExit:
		return "session exited"
	case ReasonServerShutdown:
		return "server shut down"
	case ReasonKicked:
		return "kicked"
	}
	return fmt.Sprintf("DetachReason(%d)", uint8(r))
}

type DetachedNotification struct {
	Mode     DetachReason `cbor:"mode"`
	ExitCode int          `cbor:"exit_code,omitempty"`
	Reason   string       `cbor:"reason,omitempty"`
}

// SignalRequest delivers a signal to the attached session's process.
type SignalRequest struct {
	Signal int `cbor:"signal"`
}

// RedrawNotification reports the client's terminal size.
type RedrawNotification struct {
	Rows    uint16 `cbor:"rows"`
	Columns uint16 `cbor:"columns"`
}

type StatisticsRequest struct{}

type StatisticsResponse struct {
	Contents string `cbor:"contents"`
}

func (*ConnectionNotification) Kind() Kind { return KindConnectionNotification }
func (*ClientIDRequest) Kind() Kind        { return KindClientIDRequest }
func (*ClientIDResponse) Kind() Kind       { return KindClientIDResponse }
func (*DataSocketRequest) Kind() Kind      { return KindDataSocketRequest }
func (*DataSocketResponse) Kind() Kind     { return KindDataSocketResponse }
func (*SessionListRequest) Kind() Kind     { return KindSessionListRequest }
func (*SessionListResponse) Kind() Kind    { return KindSessionListResponse }
func (*MakeSessionRequest) Kind() Kind     { return KindMakeSessionRequest }
func (*MakeSessionResponse) Kind() Kind    { return KindMakeSessionResponse }
func (*AttachRequest) Kind() Kind          { return KindAttachRequest }
func (*AttachResponse) Kind() Kind         { return KindAttachResponse }
func (*DetachRequest) Kind() Kind          { return KindDetachRequest }
func (*DetachResponse) Kind() Kind         { return KindDetachResponse }
func (*DetachedNotification) Kind() Kind   { return KindDetachedNotification }
func (*SignalRequest) Kind() Kind          { return KindSignalRequest }
func (*RedrawNotification) Kind() Kind     { return KindRedrawNotification }
func (*StatisticsRequest) Kind() Kind      { return KindStatisticsRequest }
func (*StatisticsResponse) Kind() Kind     { return KindStatisticsResponse }
