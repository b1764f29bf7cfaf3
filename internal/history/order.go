package history

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/Tyrowin/resonance/internal/chat"
)

var errClosed = errors.New("store closed")

// sortMessages orders ascending by timestamp, then by ID.
func sortMessages(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
