package main

import (
	"context"
	"time"

	"github.com/hexrift/userdata"
	"github.com/hexrift/userdata/wsrpc"
)

const callTimeout = 10 * time.Second

// tallyPlayer keeps a single per-player counter in the player's own
// storage channel. It exists to show the embedding surface: published
// methods, and storage verbs through the session's data handle.
type tallyPlayer struct {
	conn *userdata.PlayerConnection
}

func newTallyPlayer(conn *userdata.PlayerConnection) (userdata.Player, error) {
	return &tallyPlayer{conn: conn}, nil
}

func (p *tallyPlayer) Published() map[string]wsrpc.Published {
	return map[string]wsrpc.Published{
		"get_tally": p.getTally,
		"add_tally": p.addTally,
	}
}

func (p *tallyPlayer) Fallback() wsrpc.Fallback {
	return nil
}

func (p *tallyPlayer) getTally(args []any, kwargs map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	count, _, err := p.readTally(ctx)
	if err != nil {
		return nil, err
	}
	return count, nil
}

func (p *tallyPlayer) addTally(args []any, kwargs map[string]any) (any, error) {
	amount := 1
	if len(args) > 0 {
		if n, ok := asInt(args[0]); ok {
			amount = n
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	count, present, err := p.readTally(ctx)
	if err != nil {
		return nil, err
	}

	count += amount
	row := map[string]any{"count": count}
	if present {
		_, err = p.conn.Data().Call(ctx, "update", []any{"tally", row, map[string]any{}}, nil)
	} else {
		_, err = p.conn.Data().Call(ctx, "insert", []any{"tally", row}, nil)
	}
	if err != nil {
		return nil, err
	}
	return count, nil
}

// readTally fetches the stored counter; present is false when the row
// does not exist yet.
func (p *tallyPlayer) readTally(ctx context.Context) (count int, present bool, err error) {
	rows, err := p.conn.Data().Call(ctx, "select", []any{"tally", []any{"count"}}, nil)
	if err != nil {
		return 0, false, err
	}

	list, ok := rows.([]any)
	if !ok || len(list) == 0 {
		return 0, false, nil
	}

	switch row := list[0].(type) {
	case []any:
		if len(row) > 0 {
			if n, ok := asInt(row[0]); ok {
				return n, true, nil
			}
		}
	case map[string]any:
		if n, ok := asInt(row["count"]); ok {
			return n, true, nil
		}
	}
	return 0, true, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
