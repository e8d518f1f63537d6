package schema

import (
	"fmt"

	"github.com/danmuck/groupchat/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgLoginRequest      uint32 = 1
	MsgLoginResponse     uint32 = 2
	MsgLoginListResponse uint32 = 3
	MsgLogoutRequest     uint32 = 4
	MsgLogoutResponse    uint32 = 5
	MsgMessageRequest    uint32 = 6
	MsgMessageResponse   uint32 = 7
	MsgEvent             uint32 = 8
	MsgEventConfirm      uint32 = 9
	MsgError             uint32 = 10

	MsgAuditRecord uint32 = 100
)

// Field IDs.
const (
	FieldClientID    uint16 = 1
	FieldSenderTag   uint16 = 2
	FieldReceiverTag uint16 = 3
	FieldPayload     uint16 = 4
	FieldTimestampNS uint16 = 5

	FieldOriginClientID uint16 = 100
	FieldEventID        uint16 = 101
	FieldEventType      uint16 = 102

	FieldCode         uint16 = 200
	FieldMembers      uint16 = 201
	FieldServerTimeNS uint16 = 202

	FieldAuditKind uint16 = 300
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgLoginRequest: {
		{FieldClientID, tlv.TypeString},
	},
	MsgLoginResponse: {
		{FieldClientID, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
	},
	MsgLoginListResponse: {
		{FieldClientID, tlv.TypeString},
	},
	MsgLogoutRequest: {
		{FieldClientID, tlv.TypeString},
	},
	MsgLogoutResponse: {
		{FieldClientID, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
	},
	MsgMessageRequest: {
		{FieldClientID, tlv.TypeString},
		{FieldPayload, tlv.TypeString},
	},
	MsgMessageResponse: {
		{FieldClientID, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
	},
	MsgEvent: {
		{FieldClientID, tlv.TypeString},
		{FieldOriginClientID, tlv.TypeString},
		{FieldEventID, tlv.TypeString},
		{FieldEventType, tlv.TypeString},
		{FieldPayload, tlv.TypeString},
	},
	MsgEventConfirm: {
		{FieldClientID, tlv.TypeString},
		{FieldEventID, tlv.TypeString},
	},
	MsgError: {
		{FieldCode, tlv.TypeU32},
		{FieldPayload, tlv.TypeString},
	},
	MsgAuditRecord: {
		{FieldAuditKind, tlv.TypeString},
		{FieldTimestampNS, tlv.TypeU64},
	},
}

// Known reports whether messageType is part of the contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
