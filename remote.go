package userdata

import (
	"context"
	"fmt"

	"github.com/hexrift/userdata/wsrpc"
)

// remoteConnection is a websocket from a userdata service acting on
// behalf of one or more players (the external-handoff path). It lives
// until its socket closes; tearing it down does not by itself end the
// player sessions it serves, because players keep their own sockets.
type remoteConnection struct {
	u    *Userdata
	t    Transport
	name string
}

// newRemoteConnection starts the handoff for the player identified by
// the query-string values. Further players may be handed over on the
// same connection through setup_connect.
func (u *Userdata) newRemoteConnection(t Transport, channel int, name, language, gcid string) *remoteConnection {
	rc := &remoteConnection{u: u, t: t, name: name}

	t.Bind(map[string]wsrpc.Published{
		"setup_connect": rc.setupConnect,
	}, nil)
	t.OnClosed(func() {
		u.dropRemote(rc)
	})

	u.mu.Lock()
	u.remotes = append(u.remotes, rc)
	u.mu.Unlock()

	go func() {
		if err := u.promote(u.ctx, t, channel, name, "", language, gcid); err != nil {
			u.logf("DATA: handoff for gcid %s: %v", gcid, err)
		}
	}()

	return rc
}

func (u *Userdata) dropRemote(rc *remoteConnection) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i, other := range u.remotes {
		if other == rc {
			u.remotes = append(u.remotes[:i], u.remotes[i+1:]...)
			return
		}
	}
}

// setupConnect is called by an external userdata that has authenticated
// a player and is handing them over: (channel, name, language, gcid).
func (rc *remoteConnection) setupConnect(args []any, kwargs map[string]any) (any, error) {
	u := rc.u

	if len(kwargs) > 0 || len(args) != 4 {
		u.logf("DATA: invalid arguments for setup_connect")
		return nil, ErrBadArguments
	}
	channel, ok := asInt(args[0])
	name, ok2 := args[1].(string)
	language, ok3 := args[2].(string)
	gcid, ok4 := args[3].(string)
	if !ok || !ok2 || !ok3 || !ok4 {
		u.logf("DATA: invalid arguments for setup_connect")
		return nil, ErrBadArguments
	}

	return nil, u.promote(u.ctx, rc.t, channel, name, "", language, gcid)
}

// promote binds a pending session to its userdata: it tells the game's
// storage about the channel, atomically moves the session from the
// pending to the active table, installs the data handle, and finishes
// player setup. On any failure before the move the session stays
// pending.
func (u *Userdata) promote(ctx context.Context, t Transport, newChannel int, name, managedName, language, gcid string) error {
	if newChannel == 0 {
		u.logf("DATA: channel 0 in handoff for gcid %s", gcid)
		return ErrBadArguments
	}
	if name == "" {
		// An active session is recognised by its non-empty name; an
		// empty one would corrupt the tables.
		u.logf("DATA: empty player name in handoff for gcid %s", gcid)
		return ErrBadArguments
	}

	if _, err := u.gameData.Call(ctx, "access_managed_player", []any{newChannel, managedName}, nil); err != nil {
		return fmt.Errorf("access_managed_player: %w", err)
	}

	u.mu.Lock()
	pc, ok := u.pending[gcid]
	if !ok {
		u.mu.Unlock()
		u.logf("DATA: invalid gcid in handoff")
		return ErrInvalidGCID
	}
	if pc.data.Valid() {
		// A pending session never has a data handle; refusing here
		// keeps a table bug from overwriting a live one.
		u.mu.Unlock()
		u.logf("DATA: session %s already bound to a userdata", gcid)
		return ErrBadArguments
	}
	delete(u.pending, gcid)
	u.active[gcid] = pc
	pc.name = name
	pc.managedName = managedName
	pc.language = language
	pc.data = NewAccess(t, newChannel)
	u.mu.Unlock()

	u.logf("BROKER: session %s promoted to channel %d for %q", gcid, newChannel, name)

	return pc.setupPlayer(ctx)
}
