package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns "<prefix>_<uuidv7>", so ids sort by creation time.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}

// Valid reports whether id looks like something New produced.
func Valid(id string) bool {
	idx := strings.LastIndex(id, "_")
	if idx < 1 || idx == len(id)-1 {
		return false
	}
	_, err := uuid.Parse(id[idx+1:])
	return err == nil
}
