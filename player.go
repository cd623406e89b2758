package userdata

import (
	"context"
	"strings"

	"github.com/hexrift/userdata/wsrpc"
)

// PlayerConnection is one player websocket. It is created pending (no
// name, no data handle) and promoted to active when a userdata hands
// the player over. Session fields are guarded by the broker mutex.
type PlayerConnection struct {
	u     *Userdata
	t     Transport
	index int // which listening endpoint accepted the socket

	gcid        string
	dcid        string
	name        string
	managedName string
	language    string
	player      Player
	data        Access
}

// newPlayerConnection mints a fresh gcid, files the session as pending
// and kicks off the login prompt.
func (u *Userdata) newPlayerConnection(t Transport, index int) *PlayerConnection {
	pc := &PlayerConnection{u: u, t: t, index: index}

	u.mu.Lock()
	gcid := newToken()
	for {
		_, inPending := u.pending[gcid]
		_, inActive := u.active[gcid]
		if !inPending && !inActive {
			break
		}
		gcid = newToken()
	}
	pc.gcid = gcid
	u.pending[gcid] = pc
	u.players[gcid] = pc
	u.mu.Unlock()

	t.Bind(map[string]wsrpc.Published{
		"userdata_logout": pc.logout,
	}, pc.dispatch)
	t.OnClosed(pc.closed)

	u.logf("BROKER: new player session %s on port index %d", gcid, index)

	go pc.finishInit(u.ctx, false)

	return pc
}

// Data returns the session's storage handle. Invalid until login
// completes.
func (pc *PlayerConnection) Data() Access {
	pc.u.mu.Lock()
	defer pc.u.mu.Unlock()
	return pc.data
}

// GCID returns the session token, or "" after revocation.
func (pc *PlayerConnection) GCID() string {
	pc.u.mu.Lock()
	defer pc.u.mu.Unlock()
	return pc.gcid
}

// Name returns the player's display name; empty while pending.
func (pc *PlayerConnection) Name() string {
	pc.u.mu.Lock()
	defer pc.u.mu.Unlock()
	return pc.name
}

// ManagedName returns the local account name, or "" for external players.
func (pc *PlayerConnection) ManagedName() string {
	pc.u.mu.Lock()
	defer pc.u.mu.Unlock()
	return pc.managedName
}

// Language returns the player's raw language preference.
func (pc *PlayerConnection) Language() string {
	pc.u.mu.Lock()
	defer pc.u.mu.Unlock()
	return pc.language
}

// ServiceIndex returns which configured game port the socket landed on.
func (pc *PlayerConnection) ServiceIndex() int {
	return pc.index
}

// Event posts a fire-and-forget call to the player's browser.
func (pc *PlayerConnection) Event(target string, args []any, kwargs map[string]any) {
	pc.t.Post(target, args, kwargs, nil)
}

// finishInit is the second stage of session construction, re-run on
// logout. It mints a dcid when local logins are enabled and tells the
// client how it may log in.
func (pc *PlayerConnection) finishInit(ctx context.Context, loggedOut bool) {
	u := pc.u
	cfg := u.cfg

	u.mu.Lock()
	gcid := pc.gcid
	u.mu.Unlock()
	if gcid == "" {
		// Socket already closed.
		return
	}

	reported := ""
	if !cfg.NoAllowOther {
		reported = gcid
	}

	u.mu.Lock()
	dcid := pc.dcid
	u.mu.Unlock()
	if cfg.AllowLocal && dcid == "" {
		ret, err := u.gameData.Call(ctx, "create_dcid", []any{gcid}, nil)
		if err != nil {
			u.logf("PLAYER: create_dcid for %s: %v", gcid, err)
			return
		}
		dcid, _ = ret.(string)

		u.mu.Lock()
		if pc.gcid == "" {
			// The socket closed while the dcid was minted; the session
			// is gone, so release the fresh token.
			u.mu.Unlock()
			u.gameData.Post("drop_pending_dcid", []any{dcid}, nil, nil)
			return
		}
		pc.dcid = dcid
		u.mu.Unlock()
	}

	settings := map[string]any{
		"allow-local": cfg.AllowLocal,
		"allow-other": !cfg.NoAllowOther,
	}
	if cfg.AllowLocal {
		local := cfg.DefaultUserdata
		if local == "" {
			local = cfg.DataURL
		}
		settings["local-userdata"] = local
	}
	if loggedOut {
		settings["logout"] = true
	}
	if cfg.AllowNewPlayers {
		settings["allow-new-players"] = true
	}

	pc.t.Post("userdata_setup",
		[]any{strings.TrimSpace(cfg.DefaultUserdata), cfg.GameURL, settings, reported, dcid},
		nil, nil)
}

// setupPlayer finishes login for managed and external players alike:
// initialise the player's database layout if configured, create the
// embedder's Player, and confirm the login to the client.
func (pc *PlayerConnection) setupPlayer(ctx context.Context) error {
	u := pc.u

	u.mu.Lock()
	name := pc.name
	managedName := pc.managedName
	data := pc.data
	u.mu.Unlock()

	if len(u.opts.PlayerConfig) > 0 {
		if _, err := data.Call(ctx, "setup_db", []any{u.opts.PlayerConfig}, nil); err != nil {
			u.logf("PLAYER: setup_db for %q: %v; disconnecting", name, err)
			pc.t.Close()
			return err
		}
	}

	player, err := u.opts.NewPlayer(pc)
	if err != nil || player == nil {
		u.logf("PLAYER: unable to set up player %q; disconnecting: %v", name, err)
		pc.t.Close()
		if err != nil {
			return err
		}
		return ErrBadArguments
	}

	u.mu.Lock()
	if pc.gcid == "" {
		// The socket closed while the player was being set up; the
		// session is already revoked, so the fresh player is discarded
		// without ever being connected.
		u.mu.Unlock()
		u.logf("PLAYER: %q closed during setup", name)
		return ErrInvalidGCID
	}
	pc.player = player
	u.mu.Unlock()

	pc.t.Post("userdata_setup",
		[]any{nil, nil, map[string]any{"name": name, "managed": managedName}},
		nil, nil)

	u.logf("PLAYER: %q logged in", name)

	if u.opts.Connected != nil {
		u.opts.Connected(player)
	}

	return nil
}

// logout clears the embedder's Player and re-runs the login prompt.
func (pc *PlayerConnection) logout(args []any, kwargs map[string]any) (any, error) {
	u := pc.u
	u.logf("PLAYER: logout %q", pc.Name())

	u.mu.Lock()
	pc.player = nil // FIXME: close the link with the userdata as well.
	u.mu.Unlock()

	pc.finishInit(u.ctx, true)
	return nil, nil
}

// dispatch routes client method calls to the embedder's Player.
func (pc *PlayerConnection) dispatch(target string, args []any, kwargs map[string]any) (any, error) {
	pc.u.mu.Lock()
	player := pc.player
	pc.u.mu.Unlock()

	if player == nil {
		return nil, ErrAnonymous
	}
	if fn, ok := player.Published()[target]; ok {
		return fn(args, kwargs)
	}
	if fb := player.Fallback(); fb != nil {
		return fb(target, args, kwargs)
	}
	return nil, wsrpc.ErrUndefined
}

// revokeLinksLocked removes the session's tokens: the gcid from
// whichever table holds it, and the dcid from the game-data side.
// Callers hold u.mu.
func (pc *PlayerConnection) revokeLinksLocked() {
	u := pc.u

	if pc.gcid != "" {
		if pc.name == "" {
			delete(u.pending, pc.gcid)
		} else {
			delete(u.active, pc.gcid)
		}
		pc.gcid = ""
	}
	if pc.dcid != "" {
		target := "drop_active_dcid"
		if pc.name == "" {
			target = "drop_pending_dcid"
		}
		u.gameData.Post(target, []any{pc.dcid}, nil, nil)
		pc.dcid = ""
	}
}

// closed runs when the player websocket dies, at any point in the
// session lifecycle. Revocation is unconditional.
func (pc *PlayerConnection) closed() {
	u := pc.u

	u.mu.Lock()
	gcid := pc.gcid
	pc.revokeLinksLocked()
	delete(u.players, gcid)
	player := pc.player
	pc.player = nil
	u.mu.Unlock()

	u.logf("BROKER: session %s closed", gcid)

	if player != nil && u.opts.Disconnected != nil {
		u.opts.Disconnected(player)
	}
}
