package relay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// newSessionID draws a random non-zero 64-bit id, redrawing while taken reports a
// live session with that id.
func newSessionID(taken func(uint64) bool) (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("session id: %w", err)
		}
		id := binary.LittleEndian.Uint64(buf[:])
		if id == 0 || (taken != nil && taken(id)) {
			continue
		}
		return id, nil
	}
}

// tagGenerator returns the generator for human-facing session tags.
func tagGenerator(mode string) (func() string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("unsupported session id mode %q (use uuid or cuid)", mode)
	}
}
