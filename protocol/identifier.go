package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientIdentifier is assigned by the backend when a client attaches to a session.
type ClientIdentifier struct {
	ID    uint32 // handle used in disconnect requests
	Index uint64 // bit selecting the client in broadcast masks
}

// ParseClientIdentifier parses a connect reply of the form "<idHex>,<indexHex>".
func ParseClientIdentifier(reply string) (ClientIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(reply), ",")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ClientIdentifier{}, fmt.Errorf("malformed connect reply %q: %w", reply, ErrConnectionRefused)
	}

	id, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return ClientIdentifier{}, fmt.Errorf("parse client id %q: %w", parts[0], ErrConnectionRefused)
	}
	index, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return ClientIdentifier{}, fmt.Errorf("parse client index %q: %w", parts[1], ErrConnectionRefused)
	}

	return ClientIdentifier{ID: uint32(id), Index: index}, nil
}

// IDHex returns the id in the 8 digit hex form expected by the backend.
func (c ClientIdentifier) IDHex() string {
	return fmt.Sprintf("%08x", c.ID)
}

// Selected reports whether a broadcast mask addresses this client.
func (c ClientIdentifier) Selected(mask uint64) bool {
	return mask&c.Index != 0
}

func (c ClientIdentifier) String() string {
	return fmt.Sprintf("%s/%016x", c.IDHex(), c.Index)
}
