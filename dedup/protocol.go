package dedup

import (
	"encoding/json"
	"fmt"

	derrors "github.com/vinayprograms/dedupkit/errors"
)

// MessageType discriminates protocol messages.
type MessageType string

const (
	TypeStart       MessageType = "start"
	TypeStartAck    MessageType = "startack"
	TypeInProgress  MessageType = "inprogress"
	TypeFinish      MessageType = "finish"
	TypeFinishError MessageType = "finish_error"
	TypeFinished    MessageType = "finished"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeStart, TypeStartAck, TypeInProgress, TypeFinish, TypeFinishError, TypeFinished:
		return true
	}
	return false
}

// IsTerminal reports whether t carries the outcome of a key.
func (t MessageType) IsTerminal() bool {
	return t == TypeFinish || t == TypeFinishError || t == TypeFinished
}

// Message is the wire format exchanged on the coordination topic.
type Message struct {
	Type MessageType `json:"type"`
	Key  string      `json:"key"`

	// Reason is the failure text on finish_error, and on finished when
	// Failed is set.
	Reason string `json:"reason,omitempty"`
	Failed bool   `json:"failed,omitempty"`

	// Node is the sender. ClaimedAt identifies the sender's claim on
	// startack and on the finish messages of an owner.
	Node      string `json:"node,omitempty"`
	ClaimedAt int64  `json:"claimed_at,omitempty"`

	// Trace carries W3C trace context from the requester.
	Trace map[string]string `json:"trace,omitempty"`
}

// Validate checks that the message has a known type and a key.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	if m.Key == "" {
		return fmt.Errorf("%w: missing key", ErrMalformedMessage)
	}
	return nil
}

// Marshal serializes the message to JSON.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes and validates a protocol message.
func UnmarshalMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// claim returns the claim a message refers to. The zero Claim means none.
func (m Message) claim() Claim {
	if m.ClaimedAt == 0 {
		return Claim{}
	}
	return Claim{Node: m.Node, At: m.ClaimedAt}
}

// outcome converts a terminal message into the error a waiter settles with.
func (m Message) outcome() error {
	switch {
	case m.Type == TypeFinishError, m.Type == TypeFinished && m.Failed:
		return derrors.RemoteWorkFailed(m.Key, m.Reason, derrors.WithNodeID(m.Node))
	}
	return nil
}

// terminalMessage builds the finish message for an outcome.
func terminalMessage(key, node string, claim Claim, err error) Message {
	msg := Message{
		Type:      TypeFinish,
		Key:       key,
		Node:      node,
		ClaimedAt: claim.At,
	}
	if err != nil {
		msg.Type = TypeFinishError
		msg.Reason = err.Error()
	}
	return msg
}

// Claim identifies one node's bid to own a key.
type Claim struct {
	Node string
	At   int64 // unix nanoseconds
}

// IsZero reports whether c is unset.
func (c Claim) IsZero() bool {
	return c.Node == "" && c.At == 0
}

// Before reports whether c wins over other. Claims are ordered by time,
// ties broken by node id.
func (c Claim) Before(other Claim) bool {
	if c.At != other.At {
		return c.At < other.At
	}
	return c.Node < other.Node
}
