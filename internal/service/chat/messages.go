package chat

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/livechat/internal/model/chat"
)

// messageList is the ordered, id-unique conversation. Order is arrival order.
type messageList struct {
	items []chat.Message
	ids   map[string]struct{}
}

// append adds m unless its id is already present.
func (l *messageList) append(m chat.Message) bool {
	if l.ids == nil {
		l.ids = make(map[string]struct{})
	}
	if _, dup := l.ids[m.ID]; dup {
		return false
	}
	l.ids[m.ID] = struct{}{}
	l.items = append(l.items, m)
	return true
}

// merge appends every persisted message whose id is not present yet, in the
// persisted order. Existing entries are never replaced.
func (l *messageList) merge(persisted []chat.Message) int {
	added := 0
	for _, m := range persisted {
		if l.append(m) {
			added++
		}
	}
	return added
}

func (l *messageList) len() int {
	return len(l.items)
}

func (l *messageList) snapshot() []chat.Message {
	return append([]chat.Message{}, l.items...)
}

// idGenerator synthesizes message ids as {prefix}-{unix ms}-{counter}.
type idGenerator struct {
	counter atomic.Uint64
	now     func() time.Time
}

func (g *idGenerator) next(prefix string) string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%d-%d", prefix, g.now().UnixMilli(), n)
}
