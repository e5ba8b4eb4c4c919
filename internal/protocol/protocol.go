package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/folio/internal/annotation"
	"github.com/manpreetbhatti/folio/internal/presence"
)

// Event names on the wire.
const (
	EventUserJoin      = "user:join"
	EventUserLeave     = "user:leave"
	EventUsersUpdate   = "users:update"
	EventCommentAdd    = "comment:add"
	EventCommentUpdate = "comment:update"
	EventCommentDelete = "comment:delete"
	EventCommentsSync  = "comments:sync"
	EventPageChange    = "pdf:page-change"
	EventError         = "error"
)

// Error codes carried by EventError.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeUnbound      = "unbound"
	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
	CodeInternal     = "internal"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is one JSON text frame. Seq is set on committed room events only.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
}

type JoinPayload struct {
	UserID      string `json:"userId"`
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type LeavePayload struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
}

type UsersUpdatePayload struct {
	Users []presence.Participant `json:"users"`
}

type CommentUpdateRequest struct {
	CommentID string `json:"commentId"`
	Body      string `json:"body"`
}

type CommentDeletePayload struct {
	CommentID string `json:"commentId"`
}

type CommentsSyncPayload struct {
	DocumentID string                  `json:"documentId"`
	Comments   []annotation.Annotation `json:"comments"`
}

type PageChangePayload struct {
	UserID     string `json:"userId"`
	PageNumber int    `json:"pageNumber"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Event     string `json:"event,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`
}

var inbound = map[string]bool{
	EventUserJoin:      true,
	EventUserLeave:     true,
	EventCommentAdd:    true,
	EventCommentUpdate: true,
	EventCommentDelete: true,
	EventPageChange:    true,
}

// Encode builds a frame for event. A nil payload produces no data field.
func Encode(event string, payload any, seq uint64) ([]byte, error) {
	env := Envelope{Event: event, Seq: seq}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses any frame, inbound or outbound.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if len(frame) == 0 {
		return env, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// DecodeInbound parses a client frame and rejects events clients may not send.
func DecodeInbound(frame []byte) (Envelope, error) {
	env, err := Decode(frame)
	if err != nil {
		return env, err
	}
	if !inbound[env.Event] {
		return env, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// Unmarshal decodes the envelope's data into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformed, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, e.Event, err)
	}
	return nil
}
