package agentevent

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID allocates an opaque session identifier. Sessions are created
// server-side at first use; ULIDs keep them sortable by creation time.
func NewSessionID() string {
	return "ses_" + newULID()
}

// NewMessageID allocates a globally unique message identifier.
func NewMessageID() string {
	return "msg_" + newULID()
}

func newULID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}
