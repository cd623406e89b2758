package userdata

import (
	"context"
	"fmt"

	"github.com/hexrift/userdata/wsrpc"
)

// loginGame runs the boot sequence on the game-data connection: log the
// game in on channel 1, install the handshake methods the local userdata
// may call back, optionally initialise the game's database layout.
func (u *Userdata) loginGame(ctx context.Context) error {
	u.local.Bind(map[string]wsrpc.Published{
		"setup_connect_player": u.setupConnectPlayer,
	}, nil)
	u.local.OnClosed(func() {
		u.logf("DATA: game data connection lost")
		u.fail(ErrDataLost)
	})

	ok, err := u.local.Call(ctx, "login_game",
		[]any{1, u.cfg.Login, u.cfg.Game, u.cfg.Password, u.cfg.AllowNewPlayers}, nil)
	if err != nil {
		return fmt.Errorf("userdata: game login: %w", err)
	}
	if accepted, _ := ok.(bool); !accepted {
		return ErrLoginRejected
	}

	u.gameData = NewAccess(u.local, u.allocChannel())

	if len(u.opts.DBConfig) > 0 {
		if _, err := u.gameData.Call(ctx, "setup_db", []any{u.opts.DBConfig}, nil); err != nil {
			return fmt.Errorf("userdata: setup_db: %w", err)
		}
	}

	u.logf("DATA: logged in to %s as %q", u.cfg.DataWebsocket, u.cfg.Game)
	return nil
}

// setupConnectPlayer is called by the local userdata when a managed
// player has completed their login there. Arguments:
// (1, gcid, managed_name, name, language-or-nil). The broker allocates
// the player's channel itself.
func (u *Userdata) setupConnectPlayer(args []any, kwargs map[string]any) (any, error) {
	if len(kwargs) > 0 || len(args) != 5 {
		u.logf("DATA: invalid arguments for setup_connect_player")
		return nil, ErrBadArguments
	}

	channel, ok := asInt(args[0])
	gcid, ok2 := args[1].(string)
	managedName, ok3 := args[2].(string)
	name, ok4 := args[3].(string)
	language := ""
	switch lang := args[4].(type) {
	case nil:
	case string:
		// Raw language preference; comma-separated lists are passed
		// through as-is.
		language = lang
	default:
		ok4 = false
	}
	if !ok || !ok2 || !ok3 || !ok4 || channel != 1 {
		u.logf("DATA: invalid arguments for setup_connect_player")
		return nil, ErrBadArguments
	}

	newChannel := u.allocChannel()
	return nil, u.promote(u.ctx, u.local, newChannel, name, managedName, language, gcid)
}
