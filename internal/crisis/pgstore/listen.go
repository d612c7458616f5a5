package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/linnemanlabs/lifeline/internal/crisis"
)

// feedBuffer bounds the per-subscriber queue between the LISTEN connection
// and the consuming session.
const feedBuffer = 64

// Subscribe opens the tenant's change feed over LISTEN/NOTIFY on a dedicated
// pool connection. The returned channel closes when the connection dies or
// the subscription is released; consumers treat an unexpected close as a
// stale signal and the external transport owns reconnection.
func (s *Store) Subscribe(ctx context.Context, tenantID string) (<-chan crisis.Change, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, errors.Join(crisis.ErrUnavailable, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		conn.Release()
		return nil, nil, err
	}

	// the feed outlives the subscribing request's context; only
	// unsubscribe ends it
	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out := make(chan crisis.Change, feedBuffer)

	go func() {
		defer close(out)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(feedCtx)
			if err != nil {
				return
			}

			var p changePayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				continue // only our own notifyChange writes this channel
			}
			if p.TenantID != tenantID {
				continue
			}

			c := crisis.Change{
				Kind:     crisis.ChangeKind(p.Kind),
				ID:       p.ID,
				TenantID: p.TenantID,
			}
			if c.Kind != crisis.ChangeDeleted {
				a, ok, err := s.Get(feedCtx, p.ID)
				if err != nil {
					return
				}
				if !ok {
					continue // deleted between notify and fetch
				}
				c.Alert = a
			}

			select {
			case out <- c:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() { once.Do(cancel) }
	return out, unsubscribe, nil
}
