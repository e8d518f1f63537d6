// Package pdu owns the Envelope value exchanged between chat clients and the server.
//
// Ownership boundary:
// - envelope kinds, status codes, event types
// - per-kind constructors
// - envelope <-> frame/tlv encoding
package pdu

import (
	"fmt"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/schema"
)

// Kind is the envelope discriminator carried as the frame message type.
type Kind uint32

const (
	KindLoginRequest      = Kind(schema.MsgLoginRequest)
	KindLoginResponse     = Kind(schema.MsgLoginResponse)
	KindLoginListResponse = Kind(schema.MsgLoginListResponse)
	KindLogoutRequest     = Kind(schema.MsgLogoutRequest)
	KindLogoutResponse    = Kind(schema.MsgLogoutResponse)
	KindMessageRequest    = Kind(schema.MsgMessageRequest)
	KindMessageResponse   = Kind(schema.MsgMessageResponse)
	KindEvent             = Kind(schema.MsgEvent)
	KindEventConfirm      = Kind(schema.MsgEventConfirm)
	KindError             = Kind(schema.MsgError)
)

func (k Kind) String() string {
	switch k {
	case KindLoginRequest:
		return "login_request"
	case KindLoginResponse:
		return "login_response"
	case KindLoginListResponse:
		return "login_list_response"
	case KindLogoutRequest:
		return "logout_request"
	case KindLogoutResponse:
		return "logout_response"
	case KindMessageRequest:
		return "message_request"
	case KindMessageResponse:
		return "message_response"
	case KindEvent:
		return "event"
	case KindEventConfirm:
		return "event_confirm"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// IsResponse reports whether k travels server->client as an answer to a request.
func (k Kind) IsResponse() bool {
	switch k {
	case KindLoginResponse, KindLoginListResponse, KindLogoutResponse, KindMessageResponse, KindError:
		return true
	}
	return false
}

// requiresClientID lists kinds a client must stamp with its identity.
func (k Kind) requiresClientID() bool {
	switch k {
	case KindLoginRequest, KindLogoutRequest, KindMessageRequest, KindEventConfirm,
		KindLoginResponse, KindLoginListResponse, KindLogoutResponse, KindMessageResponse, KindEvent:
		return true
	}
	return false
}

// EventType tells the recipient what an Event announces.
type EventType string

const (
	EventMessage EventType = "message"
	EventLogin   EventType = "login"
	EventLogout  EventType = "logout"
)

// Code is the status carried on responses and Error envelopes.
type Code uint32

const (
	CodeOK Code = 0

	CodeMalformed       Code = 1001
	CodeUnexpectedKind  Code = 1002
	CodeNotLoggedIn     Code = 1003
	CodeAlreadyLoggedIn Code = 1004

	CodeDuplicateID      Code = 2001
	CodeRegistryFull     Code = 2002
	CodeInvalidID        Code = 2003
	CodeAddressMismatch  Code = 2004
	CodeClientIDMismatch Code = 2005
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeMalformed:
		return "malformed envelope"
	case CodeUnexpectedKind:
		return "unexpected envelope kind"
	case CodeNotLoggedIn:
		return "not logged in"
	case CodeAlreadyLoggedIn:
		return "already logged in"
	case CodeDuplicateID:
		return "already registered"
	case CodeRegistryFull:
		return "registry full"
	case CodeInvalidID:
		return "invalid client id"
	case CodeAddressMismatch:
		return "sender address mismatch"
	case CodeClientIDMismatch:
		return "client id mismatch"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Envelope is one protocol data unit. It is a value: constructors and With*
// helpers return copies and nothing mutates an envelope after it is built.
type Envelope struct {
	Kind        Kind
	ClientID    string
	SenderTag   string
	ReceiverTag string
	Payload     string
	Sequence    uint64
	Timestamp   time.Time

	OriginClientID string
	EventID        string
	EventType      EventType
	Code           Code
	Members        []string
	ServerTime     time.Duration
}

// WithTags returns a copy carrying the sender/receiver session tags.
func (e Envelope) WithTags(sender, receiver string) Envelope {
	e.SenderTag = sender
	e.ReceiverTag = receiver
	return e
}

// WithServerTime returns a copy carrying the server processing time.
func (e Envelope) WithServerTime(d time.Duration) Envelope {
	e.ServerTime = d
	return e
}

func NewLoginRequest(clientID string, seq uint64) Envelope {
	return Envelope{Kind: KindLoginRequest, ClientID: clientID, Sequence: seq, Timestamp: time.Now()}
}

func NewLoginResponse(clientID string, seq uint64, code Code) Envelope {
	return Envelope{Kind: KindLoginResponse, ClientID: clientID, Sequence: seq, Code: code, Timestamp: time.Now()}
}

func NewLoginListResponse(clientID string, seq uint64, members []string) Envelope {
	list := make([]string, len(members))
	copy(list, members)
	return Envelope{Kind: KindLoginListResponse, ClientID: clientID, Sequence: seq, Members: list, Timestamp: time.Now()}
}

func NewLogoutRequest(clientID string, seq uint64) Envelope {
	return Envelope{Kind: KindLogoutRequest, ClientID: clientID, Sequence: seq, Timestamp: time.Now()}
}

func NewLogoutResponse(clientID string, seq uint64, code Code) Envelope {
	return Envelope{Kind: KindLogoutResponse, ClientID: clientID, Sequence: seq, Code: code, Timestamp: time.Now()}
}

func NewMessageRequest(clientID string, seq uint64, text string) Envelope {
	return Envelope{Kind: KindMessageRequest, ClientID: clientID, Sequence: seq, Payload: text, Timestamp: time.Now()}
}

func NewMessageResponse(clientID string, seq uint64) Envelope {
	return Envelope{Kind: KindMessageResponse, ClientID: clientID, Sequence: seq, Code: CodeOK, Timestamp: time.Now()}
}

// NewEvent addresses one broadcast to recipient; seq is the recipient's outbound sequence.
func NewEvent(recipient, origin string, eventType EventType, eventID, text string, seq uint64) Envelope {
	return Envelope{
		Kind:           KindEvent,
		ClientID:       recipient,
		OriginClientID: origin,
		EventType:      eventType,
		EventID:        eventID,
		Payload:        text,
		Sequence:       seq,
		Timestamp:      time.Now(),
	}
}

func NewEventConfirm(clientID, eventID string, seq uint64) Envelope {
	return Envelope{Kind: KindEventConfirm, ClientID: clientID, EventID: eventID, Sequence: seq, Timestamp: time.Now()}
}

// NewError builds an Error envelope; reason defaults to the code text.
func NewError(clientID string, seq uint64, code Code, reason string) Envelope {
	if reason == "" {
		reason = code.String()
	}
	return Envelope{Kind: KindError, ClientID: clientID, Sequence: seq, Code: code, Payload: reason, Timestamp: time.Now()}
}
