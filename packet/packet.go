/*
Package packet implements the envelope exchanged with a watcher process.

Requests carry the script text to evaluate in the "action" field. Replies carry either an ordered "returns" list or an "error" string, never both.
Every request is tagged with a correlation "id" which the watcher echoes on its reply; packets the watcher sends on its own (such as "shutdown") have an action and no known id.

Values in a "returns" list are either plain JSON scalars or opaque payloads of the form {"data":"<base64>"}, where the base64 text holds a CBOR-encoded value.
*/
package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Packet is a single envelope in either direction.
type Packet struct {
	// ID correlates a reply with its request.
	ID string `json:"id,omitempty"`
	// Action is the script text to run for requests, or the directive name for pushes.
	Action  string  `json:"action,omitempty"`
	Args    []Value `json:"args,omitempty"`
	Returns []Value `json:"returns,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// DecodeError is returned when an envelope or one of its values cannot be decoded.
// Index is the position of the failing value in the returns list, or -1 for the envelope itself.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decoding packet: %s", e.Err)
	}
	return fmt.Sprintf("decoding value %d: %s", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errMixedReply = errors.New("reply carries both an error and return values")

// Encode builds a command envelope for the given action. args may be nil.
func Encode(action string, args []Value) Packet {
	return Packet{Action: action, Args: args}
}

// IsReply reports whether the packet carries reply fields.
func (p Packet) IsReply() bool {
	return p.Returns != nil || p.Error != ""
}

// wirePacket is Packet as written to the wire. Returns is a pointer so that an empty
// list is still written, keeping an empty reply recognizable as a reply.
type wirePacket struct {
	ID      string   `json:"id,omitempty"`
	Action  string   `json:"action,omitempty"`
	Args    []Value  `json:"args,omitempty"`
	Returns *[]Value `json:"returns,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (p Packet) MarshalJSON() ([]byte, error) {
	w := wirePacket{ID: p.ID, Action: p.Action, Args: p.Args, Error: p.Error}
	if p.Returns != nil {
		w.Returns = &p.Returns
	}
	return json.Marshal(w)
}

func (p Packet) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses an envelope.
// Numbers are kept as json.Number so that integers survive unchanged.
func Decode(b []byte) (Packet, error) {
	var p Packet
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Packet{}, &DecodeError{Index: -1, Err: err}
	}
	if dec.More() {
		return Packet{}, &DecodeError{Index: -1, Err: errors.New("trailing data after envelope")}
	}
	if p.Error != "" && len(p.Returns) > 0 {
		return Packet{}, &DecodeError{Index: -1, Err: errMixedReply}
	}
	return p, nil
}
