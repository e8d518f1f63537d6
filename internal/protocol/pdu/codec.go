package pdu

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/groupchat/internal/protocol/frame"
	"github.com/danmuck/groupchat/internal/protocol/schema"
	"github.com/danmuck/groupchat/internal/protocol/tlv"
)

var (
	ErrUnknownKind     = errors.New("pdu: unknown envelope kind")
	ErrMissingClientID = errors.New("pdu: missing client id")
)

// Encode renders env as one framed message.
func Encode(env Envelope) ([]byte, error) {
	fr, err := ToFrame(env)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(fr, frame.DefaultLimits())
}

// ToFrame builds the frame for env after schema validation.
func ToFrame(env Envelope) (frame.Frame, error) {
	if uint32(env.Kind) == schema.MsgAuditRecord || !schema.Known(uint32(env.Kind)) {
		return frame.Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(env.Kind))
	}
	if env.Kind.requiresClientID() && strings.TrimSpace(env.ClientID) == "" {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrMissingClientID, env.Kind)
	}
	fields := envelopeFields(env)
	if err := schema.Validate(uint32(env.Kind), fields); err != nil {
		return frame.Frame{}, err
	}
	var flags uint32
	if env.Kind.IsResponse() {
		flags |= frame.FlagIsResponse
	}
	if env.Kind == KindError {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   env.Sequence,
			MessageType: uint32(env.Kind),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// Decode maps one frame back to an Envelope.
func Decode(f frame.Frame) (Envelope, error) {
	kind := Kind(f.Header.MessageType)
	if f.Header.MessageType == schema.MsgAuditRecord || !schema.Known(f.Header.MessageType) {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownKind, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Envelope{}, err
	}
	env := Envelope{Kind: kind, Sequence: f.Header.MessageID}
	if err := readFields(&env, fields); err != nil {
		return Envelope{}, err
	}
	if kind.requiresClientID() && strings.TrimSpace(env.ClientID) == "" {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMissingClientID, kind)
	}
	return env, nil
}

// Read pulls one frame from a stream and decodes it. Frame-level errors are
// returned unwrapped so callers can tell a broken stream from a bad envelope.
func Read(r io.Reader, limits frame.Limits) (Envelope, error) {
	fr, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(fr)
}

// Unmarshal decodes one datagram holding exactly one frame.
func Unmarshal(b []byte) (Envelope, error) {
	fr, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Envelope{}, err
	}
	return Decode(fr)
}

func envelopeFields(env Envelope) []tlv.Field {
	fields := make([]tlv.Field, 0, 8)
	addString := func(id uint16, v string) {
		if v != "" {
			fields = append(fields, tlv.String(id, v))
		}
	}
	addString(schema.FieldClientID, env.ClientID)
	addString(schema.FieldSenderTag, env.SenderTag)
	addString(schema.FieldReceiverTag, env.ReceiverTag)
	addString(schema.FieldOriginClientID, env.OriginClientID)
	addString(schema.FieldEventID, env.EventID)
	addString(schema.FieldEventType, string(env.EventType))
	// Payload is required for some kinds even when empty.
	if env.Payload != "" || env.Kind == KindMessageRequest || env.Kind == KindEvent || env.Kind == KindError {
		fields = append(fields, tlv.String(schema.FieldPayload, env.Payload))
	}
	if env.Code != CodeOK || hasCodeField(env.Kind) {
		fields = append(fields, tlv.U32(schema.FieldCode, uint32(env.Code)))
	}
	for _, m := range env.Members {
		fields = append(fields, tlv.String(schema.FieldMembers, m))
	}
	if !env.Timestamp.IsZero() {
		fields = append(fields, tlv.U64(schema.FieldTimestampNS, uint64(env.Timestamp.UnixNano())))
	}
	if env.ServerTime > 0 {
		fields = append(fields, tlv.U64(schema.FieldServerTimeNS, uint64(env.ServerTime)))
	}
	return fields
}

func hasCodeField(k Kind) bool {
	switch k {
	case KindLoginResponse, KindLogoutResponse, KindMessageResponse, KindError:
		return true
	}
	return false
}

func readFields(env *Envelope, fields []tlv.Field) error {
	var err error
	str := func(id uint16) string {
		f, ok := tlv.GetField(fields, id)
		if !ok || err != nil {
			return ""
		}
		var v string
		v, err = f.AsString()
		return v
	}
	env.ClientID = str(schema.FieldClientID)
	env.SenderTag = str(schema.FieldSenderTag)
	env.ReceiverTag = str(schema.FieldReceiverTag)
	env.Payload = str(schema.FieldPayload)
	env.OriginClientID = str(schema.FieldOriginClientID)
	env.EventID = str(schema.FieldEventID)
	env.EventType = EventType(str(schema.FieldEventType))
	if err != nil {
		return err
	}

	if f, ok := tlv.GetField(fields, schema.FieldCode); ok {
		code, err := f.AsU32()
		if err != nil {
			return err
		}
		env.Code = Code(code)
	}
	for _, f := range tlv.GetAll(fields, schema.FieldMembers) {
		m, err := f.AsString()
		if err != nil {
			return err
		}
		env.Members = append(env.Members, m)
	}
	if f, ok := tlv.GetField(fields, schema.FieldTimestampNS); ok {
		ns, err := f.AsU64()
		if err != nil {
			return err
		}
		env.Timestamp = time.Unix(0, int64(ns))
	}
	if f, ok := tlv.GetField(fields, schema.FieldServerTimeNS); ok {
		ns, err := f.AsU64()
		if err != nil {
			return err
		}
		env.ServerTime = time.Duration(ns)
	}
	return nil
}
