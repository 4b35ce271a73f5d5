package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ldi/claimdeck/pkg/models"
)

// startListener holds one pooled connection on LISTEN and republishes
// every notification to the hub. When the connection fails the hub is
// closed so subscribers see a disconnect.
func (s *Store) startListener() error {
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		cancel()
		close(s.done)
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		conn.Release()
		cancel()
		close(s.done)
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.stop = cancel
	go s.listen(ctx, conn)
	return nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.done)
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("claim notification listener stopped")
				s.hub.Close()
			}
			return
		}

		ev, err := decodeEvent(n.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("payload", n.Payload).Msg("dropping malformed claim notification")
			continue
		}
		s.hub.Publish(ev)
	}
}

func encodeEvent(ev models.ChangeEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode change event: %w", err)
	}
	return string(b), nil
}

func decodeEvent(payload string) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("failed to decode change event: %w", err)
	}
	if ev.TaskID == "" {
		return ev, errors.New("change event has no task id")
	}
	switch ev.Op {
	case models.ChangeInsert, models.ChangeDelete:
	default:
		return ev, fmt.Errorf("unknown change op %q", ev.Op)
	}
	return ev, nil
}
