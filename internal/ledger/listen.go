package ledger

import (
	"context"
	"time"

	"github.com/lib/pq"
)

// Listen subscribes to channel (timeline_updates, §6.1) via a pq.Listener
// and delivers each notification payload to onNotify until ctx is
// cancelled. Grounded on the store's own use of pg_notify on insert
// (Store.InsertRecord): this is the read side of that same channel, used by
// the SSE edge (GET /timeline/stream, §6.2) to fan out inserts to listening
// HTTP clients without polling the registry.
func Listen(ctx context.Context, dsn, channel string, onNotify func(payload string)) error {
	errCh := make(chan error, 1)
	listener := pq.NewListener(dsn, 1*time.Second, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return err
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case n := <-listener.Notify:
			if n != nil {
				onNotify(n.Extra)
			}
		case <-ticker.C:
			_ = listener.Ping()
		}
	}
}
