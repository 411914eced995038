// Package wireid generates the opaque identifiers used on the wire and in
// logs: correspondence ids and peer ids.
package wireid

import (
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// NewCorrespondenceID returns a 22-character URL-safe random identifier
// (a base57-encoded UUID),
// collision-resistant enough to be unique within one stream's active set.
func NewCorrespondenceID() string {
	return shortuuid.New()
}

// NewPeerID returns an opaque identifier for a Peer, used only for
// logging and diagnostics — never placed on the wire.
func NewPeerID() string {
	return uuid.New().String()
}
