// Package frame defines the wire envelope exchanged over a Zocket connection.
//
// Every message on the duplex stream is a single UTF-8 JSON object. Inbound frames
// carry a dotted route path and an optional correlation token; outbound frames carry
// either an event (route + payload) or an RPC reply (reserved type + payload +
// token). The package only knows about the envelope — it never looks at the payload
// shape, that's the schema package's job.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReplyType is the reserved outbound frame type used for RPC replies. It MUST NOT
// collide with any user-declared route.
const ReplyType = "__rpc_res"

// Inbound is a frame received from a client.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RPCID   string          `json:"rpcId,omitempty"`
}

// Outbound is a frame sent to a client: an event (Type is a dotted route path) or
// an RPC reply (Type is ReplyType and RPCID is set).
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	RPCID   string `json:"rpcId,omitempty"`
}

// NewEvent builds an outbound event frame for the given dotted route.
func NewEvent(route string, payload any) Outbound {
	return Outbound{Type: route, Payload: payload}
}

// NewReply builds an outbound RPC reply frame correlated to rpcID.
func NewReply(rpcID string, payload any) Outbound {
	return Outbound{Type: ReplyType, Payload: payload, RPCID: rpcID}
}

// ErrMalformed is returned by Decode when the raw bytes are not a valid frame.
var ErrMalformed = errors.New("frame: malformed")

// Decode parses raw bytes into an Inbound frame. It rejects anything that isn't a
// JSON object with a non-empty string "type" field — the two failure modes §4.4
// step 1-2 of the specification calls FrameMalformed.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return in, nil
}

// Encode serializes an outbound frame to its wire form.
func Encode(out Outbound) ([]byte, error) {
	return json.Marshal(out)
}

// ValidateRoute rejects any route whose dotted path contains the reserved reply
// type as a segment — not just a full path equal to it — so "chat.__rpc_res.x"
// is caught the same as a bare "__rpc_res". It is called by router.Flatten for
// every accumulated dotted path.
func ValidateRoute(dotted string) error {
	for _, seg := range strings.Split(dotted, ".") {
		if seg == ReplyType {
			return fmt.Errorf("frame: route %q contains reserved segment %q", dotted, ReplyType)
		}
	}
	return nil
}
