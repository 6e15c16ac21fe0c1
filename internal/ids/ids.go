// Package ids generates the identifiers used for correlation across the
// session core. Round, call, and audio ids are ULIDs so they sort by
// creation time.
package ids

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRoundID returns a time-ordered unique round identifier.
func NewRoundID() string { return newULID() }

// NewCallID returns a correlation id for a single event or downstream call.
func NewCallID() string { return newULID() }

// NewAudioID returns an id for a linked audio reference.
func NewAudioID() string { return newULID() }

// NormalizeConversationID maps empty or blank conversation ids to "default".
func NormalizeConversationID(conversationID string) string {
	cid := strings.TrimSpace(conversationID)
	if cid == "" {
		return "default"
	}
	return cid
}

// BucketID derives the memory bucket id for a conversation.
func BucketID(conversationID string) string {
	return "bucket:" + NormalizeConversationID(conversationID)
}

// DataDir resolves the data directory: $VOXCORE_DATA_DIR if set, otherwise
// ~/.voxcore.
func DataDir() string {
	if env := os.Getenv("VOXCORE_DATA_DIR"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".voxcore")
}
