package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const tagField = "event_type"

var (
	// ErrMalformed reports a frame that is not a JSON object or whose fields
	// do not fit the variant its tag names.
	ErrMalformed = errors.New("malformed event")
	// ErrUnknownKind reports a well-formed object whose tag names no variant.
	ErrUnknownKind = errors.New("unknown event kind")
)

// DecodeError describes why a frame could not be decoded.
type DecodeError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Detail)
	}
	return fmt.Sprintf("%v (%s): %s", e.Err, e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type variant struct {
	required []string
	decode   func([]byte) (Event, error)
}

var variants = map[Kind]variant{
	KindConnectionRequest:  {[]string{"username"}, decodeAs[ConnectionRequest]},
	KindConnectionResponse: {[]string{"username", "connection_id"}, decodeAs[ConnectionResponse]},
	KindConnectionReject:   {[]string{"reason"}, decodeAs[ConnectionReject]},
	KindMessage:            {[]string{"message"}, decodeAs[ChatMessage]},
	KindMessageHistory:     {[]string{"messages"}, decodeAs[MessageHistory]},
	KindTyping:             {[]string{"is_typing"}, decodeAs[Typing]},
	KindSystem:             {[]string{"message", "severity"}, decodeAs[SystemNotice]},
	KindUsersOnline:        {[]string{"users"}, decodeAs[UsersOnline]},
	KindUserJoin:           {[]string{"username"}, decodeAs[UserJoined]},
	KindUserLeave:          {[]string{"username"}, decodeAs[UserLeft]},
	KindAllRooms:           {nil, decodeAs[RoomList]},
	KindRoomCreate:         {[]string{"room"}, decodeAs[RoomCreated]},
	KindRoomCreateReject:   {[]string{"reason"}, decodeAs[RoomCreateReject]},
	KindRoomChatClear:      {[]string{"room_name"}, decodeAs[RoomChatCleared]},
	KindRoomSwitchRequest:  {[]string{"room_name"}, decodeAs[RoomSwitchRequest]},
	KindRoomSwitchResponse: {[]string{"room_name"}, decodeAs[RoomSwitchResponse]},
	KindRoomSwitchReject:   {[]string{"reason"}, decodeAs[RoomSwitchReject]},
}

func decodeAs[T Event](raw []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Decode parses one frame into its event variant. It never returns a partial
// event: any failure yields a nil Event and a *DecodeError.
func Decode(raw []byte) (Event, error) {
	fields, err := splitFields(raw)
	if err != nil {
		return nil, err
	}

	tag, ok := fields[tagField]
	if !ok || isNull(tag) {
		return nil, &DecodeError{Detail: "missing " + tagField, Err: ErrMalformed}
	}
	var kind Kind
	if err := json.Unmarshal(tag, &kind); err != nil {
		return nil, &DecodeError{Detail: tagField + " is not a string", Err: ErrMalformed}
	}

	v, ok := variants[kind]
	if !ok {
		return nil, &DecodeError{Kind: kind, Detail: "no such variant", Err: ErrUnknownKind}
	}
	return decodeVariant(kind, v, fields, raw)
}

// DecodeConnectionRequest parses the handshake frame. Older clients send the
// request without a tag, so a missing event_type is accepted; any other tag is
// rejected.
func DecodeConnectionRequest(raw []byte) (ConnectionRequest, error) {
	fields, err := splitFields(raw)
	if err != nil {
		return ConnectionRequest{}, err
	}

	if tag, ok := fields[tagField]; ok && !isNull(tag) {
		var kind Kind
		if err := json.Unmarshal(tag, &kind); err != nil || kind != KindConnectionRequest {
			return ConnectionRequest{}, &DecodeError{
				Kind:   kind,
				Detail: "handshake must be " + string(KindConnectionRequest),
				Err:    ErrMalformed,
			}
		}
	}

	ev, err := decodeVariant(KindConnectionRequest, variants[KindConnectionRequest], fields, raw)
	if err != nil {
		return ConnectionRequest{}, err
	}
	return ev.(ConnectionRequest), nil
}

// Encode serializes ev as a single JSON object carrying its event_type.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode: nil event")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	fields[tagField] = json.RawMessage(strconv.Quote(string(ev.Kind())))

	return json.Marshal(fields)
}

// MustEncode is Encode for events built by the server itself, whose encoding
// cannot fail.
func MustEncode(ev Event) []byte {
	raw, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return raw
}

func splitFields(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Detail: err.Error(), Err: ErrMalformed}
	}
	if fields == nil {
		return nil, &DecodeError{Detail: "not a JSON object", Err: ErrMalformed}
	}
	return fields, nil
}

func decodeVariant(kind Kind, v variant, fields map[string]json.RawMessage, raw []byte) (Event, error) {
	for _, name := range v.required {
		value, ok := fields[name]
		if !ok || isNull(value) {
			return nil, &DecodeError{Kind: kind, Detail: "missing field " + name, Err: ErrMalformed}
		}
	}

	ev, err := v.decode(raw)
	if err != nil {
		return nil, &DecodeError{Kind: kind, Detail: err.Error(), Err: ErrMalformed}
	}
	return ev, nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
