package userdata

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameLogin(t *testing.T) {
	var started atomic.Int64
	u, data := newTestBroker(t, testConfig(), Options{
		Started: func(*Userdata) { started.Add(1) },
	})

	logins := data.all("login_game")
	require.Len(t, logins, 1)
	assert.Equal(t, []any{1, "gamebot", "tally", "secret", false}, logins[0].Args)

	assert.True(t, u.GameData().Valid())
	assert.Equal(t, 1, u.GameData().Channel())
	assert.Equal(t, int64(1), started.Load())
}

func TestGameLoginRejected(t *testing.T) {
	data := newFakeTransport()
	data.reply("login_game", func([]any) (any, error) { return false, nil })

	_, err := New(context.Background(), testConfig(), Options{
		NewPlayer: func(conn *PlayerConnection) (Player, error) { return &testPlayer{conn: conn}, nil },
		Dial: func(ctx context.Context, url string) (Transport, error) {
			return data, nil
		},
	})
	assert.ErrorIs(t, err, ErrLoginRejected)
	assert.True(t, data.isClosed())

	// The failed attempt released the broker slot.
	u, _ := newTestBroker(t, testConfig(), Options{})
	require.NotNil(t, u)
}

func TestGameDBSetup(t *testing.T) {
	layout := map[string]any{"scores": []any{"value"}}
	_, data := newTestBroker(t, testConfig(), Options{DBConfig: layout})

	setups := data.all("setup_db")
	require.Len(t, setups, 1)
	assert.Equal(t, []any{1, layout}, setups[0].Args)
}

func TestSingleInstance(t *testing.T) {
	u, _ := newTestBroker(t, testConfig(), Options{})

	_, err := New(context.Background(), testConfig(), Options{
		NewPlayer: func(conn *PlayerConnection) (Player, error) { return &testPlayer{conn: conn}, nil },
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, u.Close())

	u2, _ := newTestBroker(t, testConfig(), Options{})
	require.NotNil(t, u2)
}

func TestManagedLoginHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.NoAllowOther = true
	u, data := newTestBroker(t, cfg, Options{})

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)

	setup := client.waitFor(t, "userdata_setup")
	require.Len(t, setup.Args, 5)
	assert.Equal(t, "", setup.Args[0])
	assert.Equal(t, cfg.GameURL, setup.Args[1])

	settings, ok := setup.Args[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, settings["allow-local"])
	assert.Equal(t, false, settings["allow-other"])
	assert.Equal(t, cfg.DataURL, settings["local-userdata"])
	assert.NotContains(t, settings, "logout")
	assert.NotContains(t, settings, "allow-new-players")

	// The gcid is not handed out when other userdata are disallowed.
	assert.Equal(t, "", setup.Args[3])
	assert.Equal(t, "D1", setup.Args[4])

	gcid, ok := data.waitFor(t, "create_dcid").Args[1].(string)
	require.True(t, ok)
	u.mu.Lock()
	_, isPending := u.pending[gcid]
	u.mu.Unlock()
	assert.True(t, isPending)

	// The local userdata reports the completed login.
	_, err := data.invoke("setup_connect_player", []any{1, gcid, "alice", "Alice", "en"})
	require.NoError(t, err)

	amp := data.waitFor(t, "access_managed_player")
	assert.Equal(t, []any{1, 2, "alice"}, amp.Args)

	u.mu.Lock()
	pc := u.active[gcid]
	_, stillPending := u.pending[gcid]
	u.mu.Unlock()
	require.NotNil(t, pc)
	assert.False(t, stillPending)
	assert.Equal(t, "Alice", pc.Name())
	assert.Equal(t, "alice", pc.ManagedName())
	assert.Equal(t, "en", pc.Language())
	assert.Equal(t, 2, pc.Data().Channel())

	setups := client.waitForN(t, "userdata_setup", 2)
	confirm := setups[1]
	require.Len(t, confirm.Args, 3)
	assert.Nil(t, confirm.Args[0])
	assert.Nil(t, confirm.Args[1])
	assert.Equal(t, map[string]any{"name": "Alice", "managed": "alice"}, confirm.Args[2])

	assert.Len(t, u.Players(), 1)
}

func TestReportedGCID(t *testing.T) {
	cfg := testConfig()
	cfg.AllowNewPlayers = true
	u, data := newTestBroker(t, cfg, Options{})

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)

	setup := client.waitFor(t, "userdata_setup")
	gcid := data.waitFor(t, "create_dcid").Args[1]
	assert.Equal(t, gcid, setup.Args[3])

	settings := setup.Args[2].(map[string]any)
	assert.Equal(t, true, settings["allow-other"])
	assert.Equal(t, true, settings["allow-new-players"])
}

func TestPlayerDBSetup(t *testing.T) {
	layout := map[string]any{"tally": []any{"count"}}
	u, data := newTestBroker(t, testConfig(), Options{PlayerConfig: layout})

	_, gcid := connectPlayer(t, u, data, "Alice", "alice")

	setups := data.all("setup_db")
	require.Len(t, setups, 1)
	assert.Equal(t, []any{2, layout}, setups[0].Args)

	u.mu.Lock()
	_, isActive := u.active[gcid]
	u.mu.Unlock()
	assert.True(t, isActive)
}

func TestSetupConnectPlayerValidation(t *testing.T) {
	u, _ := newTestBroker(t, testConfig(), Options{})

	for _, tc := range []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"wrong arity", []any{1, "g", "m", "n"}, nil},
		{"kwargs", []any{1, "g", "m", "n", nil}, map[string]any{"x": 1}},
		{"wrong channel", []any{2, "g", "m", "n", nil}, nil},
		{"non-string gcid", []any{1, 7, "m", "n", nil}, nil},
		{"non-string language", []any{1, "g", "m", "n", 7}, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := u.setupConnectPlayer(tc.args, tc.kwargs)
			assert.ErrorIs(t, err, ErrBadArguments)
		})
	}
}

func TestPlayerFactoryFailure(t *testing.T) {
	u, data := newTestBroker(t, testConfig(), Options{
		NewPlayer: func(conn *PlayerConnection) (Player, error) {
			return nil, errors.New("factory failed")
		},
	})

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)
	client.waitFor(t, "userdata_setup")

	gcid := data.waitFor(t, "create_dcid").Args[1].(string)
	_, err := data.invoke("setup_connect_player", []any{1, gcid, "alice", "Alice", nil})
	assert.Error(t, err)

	// The failed login closed the player socket and revoked the session.
	assert.True(t, client.isClosed())
	u.mu.Lock()
	pLen, aLen := len(u.pending), len(u.active)
	u.mu.Unlock()
	assert.Zero(t, pLen)
	assert.Zero(t, aLen)
}

func TestDisconnectDuringPlayerSetup(t *testing.T) {
	var connected, disconnected atomic.Int64
	var client *fakeTransport
	u, data := newTestBroker(t, testConfig(), Options{
		NewPlayer: func(conn *PlayerConnection) (Player, error) {
			// The socket dies while the embedder builds its player.
			client.Close()
			return &testPlayer{conn: conn}, nil
		},
		Connected:    func(Player) { connected.Add(1) },
		Disconnected: func(Player) { disconnected.Add(1) },
	})

	client = newFakeTransport()
	u.accept(client, url.Values{}, 0)
	client.waitFor(t, "userdata_setup")
	gcid := data.waitFor(t, "create_dcid").Args[1].(string)

	_, err := data.invoke("setup_connect_player", []any{1, gcid, "alice", "Alice", "en"})
	assert.ErrorIs(t, err, ErrInvalidGCID)

	// The revoked session is gone from every table and the discarded
	// player was never surfaced through either callback.
	u.mu.Lock()
	assert.Empty(t, u.pending)
	assert.Empty(t, u.active)
	assert.Empty(t, u.players)
	u.mu.Unlock()
	assert.Empty(t, u.Players())
	assert.Zero(t, connected.Load())
	assert.Zero(t, disconnected.Load())
}

func TestChannelsMonotonic(t *testing.T) {
	u, data := newTestBroker(t, testConfig(), Options{})

	_, g1 := connectPlayer(t, u, data, "Alice", "alice")
	_, g2 := connectPlayer(t, u, data, "Bob", "bob")
	require.NotEqual(t, g1, g2)

	amps := data.all("access_managed_player")
	require.Len(t, amps, 2)
	assert.Equal(t, 2, amps[0].Args[1])
	assert.Equal(t, 3, amps[1].Args[1])
}

func TestDisconnectCleanup(t *testing.T) {
	var disconnected atomic.Int64
	var gone Player
	u, data := newTestBroker(t, testConfig(), Options{
		Disconnected: func(p Player) {
			gone = p
			disconnected.Add(1)
		},
	})

	client, gcid := connectPlayer(t, u, data, "Alice", "alice")

	u.mu.Lock()
	pc := u.active[gcid]
	dcid := pc.dcid
	player := pc.player
	u.mu.Unlock()
	require.NotNil(t, player)

	client.Close()

	u.mu.Lock()
	assert.Empty(t, u.pending)
	assert.Empty(t, u.active)
	assert.Empty(t, u.players)
	u.mu.Unlock()

	drops := data.all("drop_active_dcid")
	require.Len(t, drops, 1)
	assert.Equal(t, []any{1, dcid}, drops[0].Args)
	assert.Zero(t, data.count("drop_pending_dcid"))

	assert.Equal(t, int64(1), disconnected.Load())
	assert.Same(t, player, gone)
}

func TestPendingDisconnect(t *testing.T) {
	var disconnected atomic.Int64
	u, data := newTestBroker(t, testConfig(), Options{
		Disconnected: func(Player) { disconnected.Add(1) },
	})

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)
	setup := client.waitFor(t, "userdata_setup")
	dcid := setup.Args[4].(string)

	client.Close()

	drop := data.waitFor(t, "drop_pending_dcid")
	assert.Equal(t, []any{1, dcid}, drop.Args)
	assert.Zero(t, data.count("drop_active_dcid"))

	u.mu.Lock()
	assert.Empty(t, u.pending)
	assert.Empty(t, u.players)
	u.mu.Unlock()

	// No Player was ever created, so no disconnect callback.
	assert.Zero(t, disconnected.Load())
}

func TestDisconnectDuringTokenMint(t *testing.T) {
	var disconnected atomic.Int64
	u, data := newTestBroker(t, testConfig(), Options{
		Disconnected: func(Player) { disconnected.Add(1) },
	})

	release := make(chan struct{})
	data.reply("create_dcid", func([]any) (any, error) {
		<-release
		return "D-slow", nil
	})

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)
	data.waitFor(t, "create_dcid")

	// The socket dies while create_dcid is still in flight.
	client.Close()

	u.mu.Lock()
	assert.Empty(t, u.pending)
	assert.Empty(t, u.players)
	u.mu.Unlock()

	close(release)

	// The late token is released, never delivered.
	drop := data.waitFor(t, "drop_pending_dcid")
	assert.Equal(t, []any{1, "D-slow"}, drop.Args)
	assert.Zero(t, client.count("userdata_setup"))
	assert.Zero(t, disconnected.Load())
}

func TestGameDataLost(t *testing.T) {
	cfg := testConfig()
	cfg.GamePorts = []string{"0"}
	u, data := newTestBroker(t, cfg, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- u.Serve(context.Background()) }()

	data.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDataLost)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after the data connection died")
	}
}

func TestServeStopsOnContext(t *testing.T) {
	cfg := testConfig()
	cfg.GamePorts = []string{"0"}
	u, _ := newTestBroker(t, cfg, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- u.Serve(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}
}

func TestAsInt(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want int
		ok   bool
	}{
		{3, 3, true},
		{int64(4), 4, true},
		{float64(5), 5, true},
		{5.5, 0, false},
		{"6", 0, false},
		{nil, 0, false},
	} {
		got, ok := asInt(tc.in)
		assert.Equal(t, tc.ok, ok, "asInt(%v)", tc.in)
		assert.Equal(t, tc.want, got, "asInt(%v)", tc.in)
	}
}
