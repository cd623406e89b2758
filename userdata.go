// Package userdata brokers authenticated access to per-player persistent
// storage for a multiplayer game server.
//
// The broker sits between the embedding game, one or more userdata
// services (the backing stores for account data), and the player
// browsers. It logs the game in to its own storage account, hands every
// connecting player an unguessable session token (gcid), and drives the
// handshake that binds each player to a storage channel: either through
// the game's own userdata (managed players, via a dcid token) or through
// an external userdata of the player's choice.
//
// One broker per process. The embedding game supplies a PlayerFactory
// and receives a Player-scoped storage handle once login completes.
package userdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hexrift/userdata/wsrpc"
)

// Transport is one RPC connection. Implemented by wsrpc.Conn; tests
// substitute recording fakes.
type Transport interface {
	Call(ctx context.Context, target string, args []any, kwargs map[string]any) (any, error)
	Post(target string, args []any, kwargs map[string]any, reply wsrpc.Reply)
	Bind(published map[string]wsrpc.Published, fallback wsrpc.Fallback)
	OnClosed(fn func())
	Close() error
}

// Player is the embedding game's per-player object, created once login
// completes. Method calls from the player's browser are dispatched to
// Published by name; unlisted names go to Fallback when it is non-nil.
type Player interface {
	Published() map[string]wsrpc.Published
	Fallback() wsrpc.Fallback
}

// PlayerFactory creates the embedder's Player for a logged-in session.
// Returning an error closes the player's websocket.
type PlayerFactory func(conn *PlayerConnection) (Player, error)

// Options configures the parts of the broker that come from the
// embedding game rather than from the userdata configuration file.
type Options struct {
	// NewPlayer is required; it is invoked for every completed login.
	NewPlayer PlayerFactory

	// DBConfig, when non-empty, is passed to setup_db on the game's own
	// storage account right after login.
	DBConfig map[string]any

	// PlayerConfig, when non-empty, is passed to setup_db on each
	// player's storage channel before the Player is created.
	PlayerConfig map[string]any

	// Started runs once the game-data account is ready.
	Started func(*Userdata)

	// Connected and Disconnected observe player lifecycle.
	Connected    func(Player)
	Disconnected func(Player)

	// Dial overrides the websocket dialer; tests use this.
	Dial func(ctx context.Context, url string) (Transport, error)

	// Verbose enables logging; Profile registers pprof handlers.
	Verbose bool
	Profile bool
}

// Userdata is the broker. It owns the game-data connection, every
// player session, and the pending/active gcid tables.
type Userdata struct {
	cfg  Config
	opts Options

	verbose bool
	ctx     context.Context

	local    Transport
	gameData Access

	fatal chan error

	mu          sync.Mutex
	nextChannel int
	pending     map[string]*PlayerConnection // gcid -> pre-login session
	active      map[string]*PlayerConnection // gcid -> logged-in session
	players     map[string]*PlayerConnection // gcid -> session, pending or active
	remotes     []*remoteConnection
}

// The broker holds process-wide session tables; a second instance would
// split them. Close releases the slot.
var instantiated atomic.Bool

// New connects to the configured userdata service, logs the game in,
// and returns the broker. The game-data connection lives for the whole
// broker lifetime; when it drops, Serve returns ErrDataLost.
func New(ctx context.Context, cfg Config, opts Options) (*Userdata, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.NewPlayer == nil {
		return nil, fmt.Errorf("userdata: Options.NewPlayer is required")
	}
	if !instantiated.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (Transport, error) {
			return wsrpc.Dial(ctx, url)
		}
	}

	u := &Userdata{
		cfg:         cfg,
		opts:        opts,
		verbose:     opts.Verbose,
		ctx:         ctx,
		fatal:       make(chan error, 1),
		nextChannel: 1,
		pending:     make(map[string]*PlayerConnection),
		active:      make(map[string]*PlayerConnection),
		players:     make(map[string]*PlayerConnection),
	}

	local, err := dial(ctx, cfg.DataWebsocket)
	if err != nil {
		instantiated.Store(false)
		return nil, fmt.Errorf("userdata: connecting to %s: %w", cfg.DataWebsocket, err)
	}
	u.local = local

	if err := u.loginGame(ctx); err != nil {
		local.Close()
		instantiated.Store(false)
		return nil, err
	}

	if opts.Started != nil {
		opts.Started(u)
	}

	return u, nil
}

// Close drops the game-data connection and releases the process-wide
// broker slot.
func (u *Userdata) Close() error {
	err := u.local.Close()
	instantiated.Store(false)
	return err
}

// GameData returns the storage handle for the game's own account
// (channel 1). The embedder uses it for select/insert/update.
func (u *Userdata) GameData() Access {
	return u.gameData
}

// Players returns the embedder objects of all logged-in sessions, keyed
// by gcid.
func (u *Userdata) Players() map[string]Player {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]Player, len(u.active))
	for gcid, pc := range u.active {
		if pc.player != nil {
			out[gcid] = pc.player
		}
	}
	return out
}

// allocChannel issues the next channel id. Ids are strictly increasing
// and never reused; channel 1 belongs to the game-data account.
func (u *Userdata) allocChannel() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	channel := u.nextChannel
	u.nextChannel++
	return channel
}

// fail records a fatal broker error; Serve picks it up and stops.
func (u *Userdata) fail(err error) {
	select {
	case u.fatal <- err:
	default:
	}
}

// accept demultiplexes an inbound websocket. With channel, gcid and name
// query parameters it is a userdata handing a player over; otherwise it
// is a player coming to log in. index records which listening endpoint
// accepted the socket.
func (u *Userdata) accept(t Transport, query url.Values, index int) {
	channel := query.Get("channel")
	gcid := query.Get("gcid")
	name := query.Get("name")

	if channel == "" || gcid == "" || name == "" {
		u.newPlayerConnection(t, index)
		return
	}

	parsed, err := strconv.Atoi(channel)
	if err != nil {
		u.logf("BROKER: invalid channel %q in query string", channel)
		t.Close()
		return
	}

	u.newRemoteConnection(t, parsed, name, "", gcid)
}

// asInt reads an RPC integer argument. JSON decoding produces float64,
// tests pass int, so both are accepted.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
