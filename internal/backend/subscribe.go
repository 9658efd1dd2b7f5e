package backend

import (
	"context"
	"sync"

	"github.com/adred-codev/messagebus/internal/message"
)

// Subscribe is the convenience filter over the global firehose: it blocks
// like GlobalSubscribe but only invokes handler for messages on channel.
// lastID >= 0 first replays Backlog(channel, lastID); pass -1 to receive
// live messages only. Duplicates between the replay and the firehose's own
// startup window are suppressed by per-channel id.
func Subscribe(ctx context.Context, be Backend, channel string, lastID int64, handler Handler) error {
	var mu sync.Mutex
	seen := int64(0)

	if lastID >= 0 {
		msgs, err := be.Backlog(ctx, channel, lastID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID > seen {
				seen = m.ID
			}
			handler(m)
		}
	} else {
		cur, err := be.LastID(ctx, channel)
		if err != nil {
			return err
		}
		seen = cur
	}

	return be.GlobalSubscribe(ctx, 0, func(msg message.Message) {
		if msg.Channel != channel {
			return
		}
		mu.Lock()
		if msg.ID <= seen {
			mu.Unlock()
			return
		}
		seen = msg.ID
		mu.Unlock()
		handler(msg)
	})
}
