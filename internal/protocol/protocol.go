// Package protocol is the JSON wire model exchanged between participants and
// the relay. Every frame is one envelope tagged by "type"; Decode validates
// the fields each variant requires and Encode is its inverse.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meetrelay/internal/domain"
)

type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeChatMessage  Type = "chat-message"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeUserJoined   Type = "user-joined"
	TypeUserLeft     Type = "user-left"
	TypeWelcome      Type = "welcome"
)

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// Message is one variant of the envelope.
type Message interface {
	Type() Type
}

// Unicast is implemented by the negotiation variants routed by target.
type Unicast interface {
	Message
	Recipient() domain.ParticipantID
	Sender() domain.ParticipantID
	// Stamp returns a copy carrying from as its sender.
	Stamp(from domain.ParticipantID) Unicast
}

type Join struct {
	RoomID domain.RoomID
}

type Leave struct{}

// ChatMessage carries an application payload the relay never inspects.
// A decoded chat is re-encoded byte for byte.
type ChatMessage struct {
	Message json.RawMessage
	raw     json.RawMessage
}

// Offer, Answer and ICECandidate keep the frame they were decoded from, so
// re-encoding changes nothing but "from", unknown fields included.
type Offer struct {
	Target domain.ParticipantID
	From   domain.ParticipantID
	Offer  json.RawMessage
	raw    json.RawMessage
}

type Answer struct {
	Target domain.ParticipantID
	From   domain.ParticipantID
	Answer json.RawMessage
	raw    json.RawMessage
}

type ICECandidate struct {
	Target    domain.ParticipantID
	From      domain.ParticipantID
	Candidate json.RawMessage
	raw       json.RawMessage
}

type UserJoined struct {
	UserID domain.ParticipantID
}

type UserLeft struct {
	UserID domain.ParticipantID
}

// Welcome tells a freshly accepted connection its own identifier.
type Welcome struct {
	UserID domain.ParticipantID
}

func (Join) Type() Type         { return TypeJoin }
func (Leave) Type() Type        { return TypeLeave }
func (ChatMessage) Type() Type  { return TypeChatMessage }
func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (ICECandidate) Type() Type { return TypeICECandidate }
func (UserJoined) Type() Type   { return TypeUserJoined }
func (UserLeft) Type() Type     { return TypeUserLeft }
func (Welcome) Type() Type      { return TypeWelcome }

func (m Offer) Recipient() domain.ParticipantID        { return m.Target }
func (m Answer) Recipient() domain.ParticipantID       { return m.Target }
func (m ICECandidate) Recipient() domain.ParticipantID { return m.Target }

func (m Offer) Sender() domain.ParticipantID        { return m.From }
func (m Answer) Sender() domain.ParticipantID       { return m.From }
func (m ICECandidate) Sender() domain.ParticipantID { return m.From }

func (m Offer) Stamp(from domain.ParticipantID) Unicast {
	m.From = from
	return m
}

func (m Answer) Stamp(from domain.ParticipantID) Unicast {
	m.From = from
	return m
}

func (m ICECandidate) Stamp(from domain.ParticipantID) Unicast {
	m.From = from
	return m
}

// envelope is the flat JSON shape shared by all variants.
type envelope struct {
	Type      Type                 `json:"type"`
	RoomID    domain.RoomID        `json:"roomId,omitempty"`
	Message   json.RawMessage      `json:"message,omitempty"`
	Target    domain.ParticipantID `json:"target,omitempty"`
	From      domain.ParticipantID `json:"from,omitempty"`
	Offer     json.RawMessage      `json:"offer,omitempty"`
	Answer    json.RawMessage      `json:"answer,omitempty"`
	Candidate json.RawMessage      `json:"candidate,omitempty"`
	UserID    domain.ParticipantID `json:"userId,omitempty"`
}

var jsonNull = []byte("null")

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s.%s", ErrMissingField, t, field)
}

// Decode parses one frame. Unparseable input yields ErrMalformed, an
// unrecognised tag ErrUnknownType and an absent required field ErrMissingField.
func Decode(data []byte) (Message, error) {
	var env envelope
	raw := append(json.RawMessage(nil), data...)
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeJoin:
		if env.RoomID == "" {
			return nil, missing(env.Type, "roomId")
		}
		return Join{RoomID: env.RoomID}, nil
	case TypeLeave:
		return Leave{}, nil
	case TypeChatMessage:
		if !present(env.Message) {
			return nil, missing(env.Type, "message")
		}
		return ChatMessage{Message: env.Message, raw: raw}, nil
	case TypeOffer:
		if env.Target == "" {
			return nil, missing(env.Type, "target")
		}
		if !present(env.Offer) {
			return nil, missing(env.Type, "offer")
		}
		return Offer{Target: env.Target, From: env.From, Offer: env.Offer, raw: raw}, nil
	case TypeAnswer:
		if env.Target == "" {
			return nil, missing(env.Type, "target")
		}
		if !present(env.Answer) {
			return nil, missing(env.Type, "answer")
		}
		return Answer{Target: env.Target, From: env.From, Answer: env.Answer, raw: raw}, nil
	case TypeICECandidate:
		if env.Target == "" {
			return nil, missing(env.Type, "target")
		}
		if !present(env.Candidate) {
			return nil, missing(env.Type, "candidate")
		}
		return ICECandidate{Target: env.Target, From: env.From, Candidate: env.Candidate, raw: raw}, nil
	case TypeUserJoined:
		if env.UserID == "" {
			return nil, missing(env.Type, "userId")
		}
		return UserJoined{UserID: env.UserID}, nil
	case TypeUserLeft:
		if env.UserID == "" {
			return nil, missing(env.Type, "userId")
		}
		return UserLeft{UserID: env.UserID}, nil
	case TypeWelcome:
		if env.UserID == "" {
			return nil, missing(env.Type, "userId")
		}
		return Welcome{UserID: env.UserID}, nil
	case "":
		return nil, fmt.Errorf("%w: no type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode serialises m. Decoded chat and negotiation messages are emitted from
// their original frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}
	switch v := m.(type) {
	case Join:
		env.RoomID = v.RoomID
	case Leave:
	case ChatMessage:
		if v.raw != nil {
			return append([]byte(nil), v.raw...), nil
		}
		env.Message = v.Message
	case Offer:
		if v.raw != nil {
			return withSender(v.raw, v.From)
		}
		env.Target, env.From, env.Offer = v.Target, v.From, v.Offer
	case Answer:
		if v.raw != nil {
			return withSender(v.raw, v.From)
		}
		env.Target, env.From, env.Answer = v.Target, v.From, v.Answer
	case ICECandidate:
		if v.raw != nil {
			return withSender(v.raw, v.From)
		}
		env.Target, env.From, env.Candidate = v.Target, v.From, v.Candidate
	case UserJoined:
		env.UserID = v.UserID
	case UserLeft:
		env.UserID = v.UserID
	case Welcome:
		env.UserID = v.UserID
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return json.Marshal(env)
}

// withSender rewrites the "from" member of a frame and leaves every other
// member as it was.
func withSender(raw json.RawMessage, from domain.ParticipantID) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if from == "" {
		delete(fields, "from")
		return json.Marshal(fields)
	}
	b, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	fields["from"] = b
	return json.Marshal(fields)
}
