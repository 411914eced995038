// Package message implements the wire codec for nlon: newline-terminated
// JSON messages grouped into correspondences and routed by subject.
//
// A Message is the unit the rest of the protocol (correspondence, peer,
// server) operates on. This package only knows about encoding, decoding,
// and structural validation — it has no notion of correspondence lifecycle
// or routing.
package message

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of frame kinds carried on the wire.
type MessageType string

const (
	// TypeUnspecified is the zero value: absent on the wire. Receivers
	// treat it as TypeData on a correspondence they already know about,
	// and as the initiating frame of a new correspondence otherwise.
	TypeUnspecified MessageType = ""
	// TypeData carries an intermediate payload frame.
	TypeData MessageType = "data"
	// TypeFinish terminates a correspondence successfully, with an
	// optional trailing body.
	TypeFinish MessageType = "fin"
	// TypeError terminates a correspondence with a remote failure.
	TypeError MessageType = "err"
)

// Valid reports whether t is one of the four closed tags understood by the
// protocol, including the absent/unspecified tag.
func (t MessageType) Valid() bool {
	switch t {
	case TypeUnspecified, TypeData, TypeFinish, TypeError:
		return true
	default:
		return false
	}
}

// MessageError is the payload of a type==err frame.
type MessageError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *MessageError) Error() string {
	if e == nil {
		return "<nil message error>"
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// MessageHeader carries routing and correlation metadata. CorrespondenceID
// and Subject are required on every message; Authorization is optional.
// Any other string-keyed fields present on the wire are preserved verbatim
// in Extra so a receiver that doesn't understand them still round-trips
// them on relay.
type MessageHeader struct {
	CorrespondenceID string `json:"-"`
	Subject          string `json:"-"`
	Authorization    string `json:"-"`

	// Extra holds additional header fields by name, exactly as received.
	// Nil when there are none.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewHeader builds a header with the two required fields set.
func NewHeader(correspondenceID, subject string) MessageHeader {
	return MessageHeader{CorrespondenceID: correspondenceID, Subject: subject}
}

// WithAuthorization returns a copy of h with Authorization set.
func (h MessageHeader) WithAuthorization(auth string) MessageHeader {
	h.Authorization = auth
	return h
}

// SetExtra stores an additional header field, JSON-encoding value.
func (h *MessageHeader) SetExtra(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("message: encode extra header %q: %w", key, err)
	}
	if h.Extra == nil {
		h.Extra = make(map[string]json.RawMessage)
	}
	h.Extra[key] = raw
	return nil
}

// GetExtra decodes an additional header field into v. Returns false if the
// field is absent.
func (h MessageHeader) GetExtra(key string, v interface{}) (bool, error) {
	raw, ok := h.Extra[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("message: decode extra header %q: %w", key, err)
	}
	return true, nil
}

const (
	headerFieldCorrespondenceID = "correspondenceId"
	headerFieldSubject          = "subject"
	headerFieldAuthorization    = "authorization"
)

// MarshalJSON emits the known fields plus every Extra field, flattened
// into a single JSON object, omitting Authorization when empty.
func (h MessageHeader) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(h.Extra)+3)
	for k, v := range h.Extra {
		out[k] = v
	}

	idRaw, err := json.Marshal(h.CorrespondenceID)
	if err != nil {
		return nil, err
	}
	out[headerFieldCorrespondenceID] = idRaw

	subjRaw, err := json.Marshal(h.Subject)
	if err != nil {
		return nil, err
	}
	out[headerFieldSubject] = subjRaw

	if h.Authorization != "" {
		authRaw, err := json.Marshal(h.Authorization)
		if err != nil {
			return nil, err
		}
		out[headerFieldAuthorization] = authRaw
	} else {
		delete(out, headerFieldAuthorization)
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes the known fields and stashes everything else in
// Extra, preserving unknown fields for re-emission.
func (h *MessageHeader) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("message: header is not an object: %w", err)
	}

	extract := func(key string) (string, error) {
		v, ok := raw[key]
		if !ok {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("message: header field %q is not a string: %w", key, err)
		}
		return s, nil
	}

	id, err := extract(headerFieldCorrespondenceID)
	if err != nil {
		return err
	}
	subject, err := extract(headerFieldSubject)
	if err != nil {
		return err
	}
	auth, err := extract(headerFieldAuthorization)
	if err != nil {
		return err
	}

	delete(raw, headerFieldCorrespondenceID)
	delete(raw, headerFieldSubject)
	delete(raw, headerFieldAuthorization)

	h.CorrespondenceID = id
	h.Subject = subject
	h.Authorization = auth
	if len(raw) > 0 {
		h.Extra = raw
	} else {
		h.Extra = nil
	}
	return nil
}

// Message is a single frame on the wire: a type tag, a header, and either
// a body (for data/fin frames) or an error (for err frames).
type Message struct {
	Type   MessageType    `json:"type,omitempty"`
	Header MessageHeader  `json:"header"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  *MessageError  `json:"error,omitempty"`
}

// NewData builds a data frame with body marshaled from v.
func NewData(header MessageHeader, v interface{}) (*Message, error) {
	return newBodied(TypeData, header, v)
}

// NewFinish builds a finish frame. v may be nil for a bodyless finish.
func NewFinish(header MessageHeader, v interface{}) (*Message, error) {
	return newBodied(TypeFinish, header, v)
}

// NewError builds an error frame.
func NewError(header MessageHeader, msgErr *MessageError) *Message {
	return &Message{Type: TypeError, Header: header, Error: msgErr}
}

func newBodied(t MessageType, header MessageHeader, v interface{}) (*Message, error) {
	msg := &Message{Type: t, Header: header}
	if v == nil {
		return msg, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode body: %w", err)
	}
	msg.Body = raw
	return msg, nil
}

// EffectiveType resolves the wire-level type ambiguity from spec §4.1: an
// absent type decodes to TypeData when known reports the correspondence
// already exists, and is otherwise the initiating frame of a new one
// (callers treat that case as "not Error/Finish", i.e. as data-bearing).
func (m *Message) EffectiveType(known bool) MessageType {
	if m.Type != TypeUnspecified {
		return m.Type
	}
	if known {
		return TypeData
	}
	return TypeData
}

// InvalidMessageError reports a structurally well-formed JSON value that
// fails message-schema validation (spec §7, "InvalidMessage").
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return "message: invalid message: " + e.Reason
}

// Validate checks the invariants from spec §3/§4.1.
func (m *Message) Validate() error {
	if m.Header.CorrespondenceID == "" {
		return &InvalidMessageError{Reason: "header.correspondenceId is empty"}
	}
	if m.Header.Subject == "" {
		return &InvalidMessageError{Reason: "header.subject is empty"}
	}
	if !m.Type.Valid() {
		return &InvalidMessageError{Reason: fmt.Sprintf("unknown type %q", m.Type)}
	}

	switch m.Type {
	case TypeError:
		if m.Error == nil || m.Error.Type == "" || m.Error.Message == "" {
			return &InvalidMessageError{Reason: "error frame missing error.type or error.message"}
		}
	default:
		if m.Error != nil {
			return &InvalidMessageError{Reason: "non-error frame carries an error payload"}
		}
	}

	return nil
}

// Encode serializes msg as compact JSON followed by a single newline.
func Encode(msg *Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	raw = append(raw, '\n')
	return raw, nil
}
