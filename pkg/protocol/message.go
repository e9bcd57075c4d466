package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// MessageType identifies what an envelope means. The value travels on the
// wire verbatim, so renaming a constant is a protocol change.
type MessageType string

const (
	TypeGroupJoin       MessageType = "GROUP_JOIN"       // join a group, To = group name
	TypeGroupLeave      MessageType = "GROUP_LEAVE"      // leave a group, To = group name
	TypeGroupMessage    MessageType = "GROUP_MESSAGE"    // broadcast to a group, To = group name
	TypeGroupUsers      MessageType = "GROUP_USERS"      // request/response for a group roster
	TypeGroupHistory    MessageType = "GROUP_HISTORY"    // request/response for past group messages
	TypePrivateMessage  MessageType = "PRIVATE_MESSAGE"  // direct message, To = recipient identity id
	TypePrivateHistory  MessageType = "PRIVATE_HISTORY"  // request/response for a private conversation
	TypeHeartbeat       MessageType = "HEARTBEAT"        // liveness only, never answered
	TypeError           MessageType = "ERROR"            // error report to the sender
	TypeConnectionCount MessageType = "CONNECTION_COUNT" // request/response for bound identity count
	TypeKickOut         MessageType = "KICK_OUT"         // sent to a stale connection before eviction
)

var knownTypes = map[MessageType]bool{
	TypeGroupJoin:       true,
	TypeGroupLeave:      true,
	TypeGroupMessage:    true,
	TypeGroupUsers:      true,
	TypeGroupHistory:    true,
	TypePrivateMessage:  true,
	TypePrivateHistory:  true,
	TypeHeartbeat:       true,
	TypeError:           true,
	TypeConnectionCount: true,
	TypeKickOut:         true,
}

// Known reports whether t is a message type this server understands.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

var (
	// ErrMalformed indicates the payload is not a JSON envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType indicates the envelope carries no recognized type.
	ErrUnknownType = errors.New("unknown message type")
)

// Identity is the authenticated party a connection is bound to.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Envelope is the unit exchanged over a connection, in both directions.
//
// To is overloaded the way the type column describes: a group name for group
// operations, an identity id for private operations, unused otherwise.
// Content is free text for messages, a page number for history requests, and
// serialized JSON for roster/count/history responses.
type Envelope struct {
	From            string      `json:"from,omitempty"`
	FromDisplayName string      `json:"fromDisplayName,omitempty"`
	To              string      `json:"to,omitempty"`
	Content         string      `json:"content,omitempty"`
	Type            MessageType `json:"type"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Decode parses a raw wire payload into an Envelope.
//
// A payload that is not a JSON object fails with ErrMalformed; one without a
// recognized type fails with ErrUnknownType. Callers treat both the same way
// (error envelope back to the sender), but the distinction is useful in logs.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if !env.Type.Known() {
		return nil, ErrUnknownType
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now()
	}
	return &env, nil
}

// Encode serializes the envelope for the wire. Envelopes only contain
// strings and a timestamp, so encoding a well-formed envelope never fails.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Page interprets Content as a 0-based page number for history requests.
// Anything non-numeric or negative means the first page, matching how
// lenient the original clients were.
func (e *Envelope) Page() int {
	page, err := strconv.Atoi(strings.TrimSpace(e.Content))
	if err != nil || page < 0 {
		return 0
	}
	return page
}

// NewError builds an ERROR envelope with a human-readable message.
func NewError(content string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUnsupported builds the ERROR envelope sent for malformed payloads and
// unrecognized message types.
func NewUnsupported() *Envelope {
	return NewError("unsupported message")
}

// NewKickOut builds the notice delivered to a stale connection just before
// the server closes it in favor of a newer one.
func NewKickOut() *Envelope {
	return &Envelope{
		Type:      TypeKickOut,
		CreatedAt: time.Now(),
	}
}

// NewGroupLeave synthesizes the departure envelope broadcast when a member
// leaves a group (explicitly or by disconnecting).
func NewGroupLeave(who Identity, group string) *Envelope {
	return &Envelope{
		From:            who.ID,
		FromDisplayName: who.DisplayName,
		To:              group,
		Type:            TypeGroupLeave,
		CreatedAt:       time.Now(),
	}
}

// NewConnectionCount builds the CONNECTION_COUNT response; Content carries
// the number of currently bound identities.
func NewConnectionCount(count int) *Envelope {
	return &Envelope{
		Type:      TypeConnectionCount,
		Content:   strconv.Itoa(count),
		CreatedAt: time.Now(),
	}
}

// NewRoster builds the GROUP_USERS response. Content is a JSON array of
// identities, "[]" for an unknown or empty group.
func NewRoster(group string, members []Identity) (*Envelope, error) {
	if members == nil {
		members = []Identity{}
	}
	content, err := json.Marshal(members)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		To:        group,
		Type:      TypeGroupUsers,
		Content:   string(content),
		CreatedAt: time.Now(),
	}, nil
}

// NewHistory builds a history response of the given type (TypeGroupHistory
// or TypePrivateHistory). Content is a JSON array of past envelopes,
// newest first, exactly as the store returned them.
func NewHistory(t MessageType, to string, page []*Envelope) (*Envelope, error) {
	if page == nil {
		page = []*Envelope{}
	}
	content, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		To:        to,
		Type:      t,
		Content:   string(content),
		CreatedAt: time.Now(),
	}, nil
}

// IdentityClaim is the handshake payload a stream transport sends as its
// first line; the WebSocket transport carries the same fields as query
// parameters instead.
type IdentityClaim struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ErrIdentityClaim indicates a handshake with a missing or blank identity.
var ErrIdentityClaim = errors.New("identity claim missing userId or username")

// ParseIdentityClaim validates a handshake payload and returns the claimed
// identity. Both fields must be non-blank after trimming; a connection that
// can't say who it is never becomes a session.
func ParseIdentityClaim(raw []byte) (Identity, error) {
	var claim IdentityClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return Identity{}, ErrMalformed
	}
	return ClaimedIdentity(claim.UserID, claim.Username)
}

// ClaimedIdentity trims and validates an identity claim from any transport.
func ClaimedIdentity(userID, username string) (Identity, error) {
	id := strings.TrimSpace(userID)
	name := strings.TrimSpace(username)
	if id == "" || name == "" {
		return Identity{}, ErrIdentityClaim
	}
	return Identity{ID: id, DisplayName: name}, nil
}
