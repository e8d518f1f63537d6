// Package audit forwards notable session activity to an external audit log.
//
// Ownership boundary:
// - audit record shape and its frame/tlv wire form
// - dispatchers: no-op, structured log, network forwarder, fan-out
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/groupchat/internal/logging"
	"github.com/danmuck/groupchat/internal/protocol/frame"
	"github.com/danmuck/groupchat/internal/protocol/schema"
	"github.com/danmuck/groupchat/internal/protocol/tlv"
	"github.com/rs/zerolog"
)

var ErrNotAuditRecord = errors.New("audit: frame is not an audit record")

type Kind string

const (
	KindLogin      Kind = "login"
	KindLogout     Kind = "logout"
	KindMessage    Kind = "message"
	KindDisconnect Kind = "disconnect"
	KindShutdown   Kind = "shutdown"
)

// Record is one audit entry.
type Record struct {
	Kind        Kind
	ClientID    string
	SenderTag   string
	ReceiverTag string
	Timestamp   time.Time
	Message     string
}

// Line renders r in the audit file layout: kind | client | sender | receiver | time | message.
func (r Record) Line() string {
	return fmt.Sprintf("%s | %s | %s | %s | %s | %s",
		r.Kind, r.ClientID, r.SenderTag, r.ReceiverTag, r.Timestamp.Format(time.RFC3339Nano), r.Message)
}

// Dispatcher receives audit records. Notify must not block the caller on I/O.
type Dispatcher interface {
	Notify(Record)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Notify(Record) {}

// LogDispatcher writes each record as one structured log line.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{log: logging.Component("audit")}
}

func (d *LogDispatcher) Notify(r Record) {
	d.log.Info().
		Str("kind", string(r.Kind)).
		Str("client_id", r.ClientID).
		Str("sender_tag", r.SenderTag).
		Str("receiver_tag", r.ReceiverTag).
		Time("at", r.Timestamp).
		Str("message", r.Message).
		Msg("audit")
}

// Multi hands every record to each dispatcher in order.
type Multi []Dispatcher

func (m Multi) Notify(r Record) {
	for _, d := range m {
		if d != nil {
			d.Notify(r)
		}
	}
}

// EncodeRecord frames r as an audit record message.
func EncodeRecord(r Record, seq uint64) ([]byte, error) {
	fields := []tlv.Field{
		tlv.String(schema.FieldAuditKind, string(r.Kind)),
		tlv.U64(schema.FieldTimestampNS, uint64(r.Timestamp.UnixNano())),
	}
	for _, f := range []struct {
		id uint16
		v  string
	}{
		{schema.FieldClientID, r.ClientID},
		{schema.FieldSenderTag, r.SenderTag},
		{schema.FieldReceiverTag, r.ReceiverTag},
		{schema.FieldPayload, r.Message},
	} {
		if f.v != "" {
			fields = append(fields, tlv.String(f.id, f.v))
		}
	}
	if err := schema.Validate(schema.MsgAuditRecord, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header:  frame.Header{MessageID: seq, MessageType: schema.MsgAuditRecord},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

// DecodeRecord is the receiving side of EncodeRecord.
func DecodeRecord(f frame.Frame) (Record, error) {
	if f.Header.MessageType != schema.MsgAuditRecord {
		return Record{}, fmt.Errorf("%w: message_type=%d", ErrNotAuditRecord, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Record{}, err
	}
	if err := schema.Validate(schema.MsgAuditRecord, fields); err != nil {
		return Record{}, err
	}
	var r Record
	str := func(id uint16) (string, error) {
		field, ok := tlv.GetField(fields, id)
		if !ok {
			return "", nil
		}
		return field.AsString()
	}
	kind, err := str(schema.FieldAuditKind)
	if err != nil {
		return Record{}, err
	}
	r.Kind = Kind(kind)
	if r.ClientID, err = str(schema.FieldClientID); err != nil {
		return Record{}, err
	}
	if r.SenderTag, err = str(schema.FieldSenderTag); err != nil {
		return Record{}, err
	}
	if r.ReceiverTag, err = str(schema.FieldReceiverTag); err != nil {
		return Record{}, err
	}
	if r.Message, err = str(schema.FieldPayload); err != nil {
		return Record{}, err
	}
	ts, _ := tlv.GetField(fields, schema.FieldTimestampNS)
	ns, err := ts.AsU64()
	if err != nil {
		return Record{}, err
	}
	r.Timestamp = time.Unix(0, int64(ns))
	return r, nil
}
