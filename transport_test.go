package userdata

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexrift/userdata/wsrpc"
)

// fakeCall is one recorded invocation on a fakeTransport.
type fakeCall struct {
	Target string
	Args   []any
	Kwargs map[string]any
	Event  bool
}

// fakeTransport is a recording Transport. Replies can be scripted per
// target; unscripted targets answer (nil, nil).
type fakeTransport struct {
	mu        sync.Mutex
	calls     []fakeCall
	replies   map[string]func(args []any) (any, error)
	published map[string]wsrpc.Published
	fallback  wsrpc.Fallback
	closedFn  func()
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: make(map[string]func(args []any) (any, error))}
}

func (f *fakeTransport) reply(target string, fn func(args []any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[target] = fn
}

func (f *fakeTransport) Call(ctx context.Context, target string, args []any, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Target: target, Args: args, Kwargs: kwargs})
	fn := f.replies[target]
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return nil, wsrpc.ErrClosed
	}
	if fn != nil {
		return fn(args)
	}
	return nil, nil
}

func (f *fakeTransport) Post(target string, args []any, kwargs map[string]any, reply wsrpc.Reply) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Target: target, Args: args, Kwargs: kwargs, Event: reply == nil})
	fn := f.replies[target]
	f.mu.Unlock()

	if reply == nil {
		return
	}
	if fn != nil {
		reply(fn(args))
		return
	}
	reply(nil, nil)
}

func (f *fakeTransport) Bind(published map[string]wsrpc.Published, fallback wsrpc.Fallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = published
	f.fallback = fallback
}

func (f *fakeTransport) OnClosed(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedFn = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	fn := f.closedFn
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// invoke delivers an inbound call the way the peer would, through the
// bound published table or fallback.
func (f *fakeTransport) invoke(target string, args []any) (any, error) {
	f.mu.Lock()
	fn, ok := f.published[target]
	fb := f.fallback
	f.mu.Unlock()

	if ok {
		return fn(args, nil)
	}
	if fb != nil {
		return fb(target, args, nil)
	}
	return nil, wsrpc.ErrUndefined
}

// all returns every recorded invocation of target, oldest first.
func (f *fakeTransport) all(target string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []fakeCall
	for _, c := range f.calls {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) count(target string) int {
	return len(f.all(target))
}

// waitFor blocks until target has been invoked at least once and returns
// the most recent invocation.
func (f *fakeTransport) waitFor(t *testing.T, target string) fakeCall {
	t.Helper()
	calls := f.waitForN(t, target, 1)
	return calls[len(calls)-1]
}

func (f *fakeTransport) waitForN(t *testing.T, target string, n int) []fakeCall {
	t.Helper()
	var calls []fakeCall
	require.Eventually(t, func() bool {
		calls = f.all(target)
		return len(calls) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d %s call(s)", n, target)
	return calls
}

// testPlayer is a minimal embedder Player for broker tests.
type testPlayer struct {
	conn *PlayerConnection
}

func (p *testPlayer) Published() map[string]wsrpc.Published {
	return map[string]wsrpc.Published{
		"echo": func(args []any, kwargs map[string]any) (any, error) {
			return args, nil
		},
	}
}

func (p *testPlayer) Fallback() wsrpc.Fallback { return nil }

func testConfig() Config {
	return Config{
		DataURL:       "http://data.example",
		DataWebsocket: "ws://data.example/websocket",
		Game:          "tally",
		Login:         "gamebot",
		Password:      "secret",
		GameURL:       "http://game.example:7154",
		GamePorts:     []string{"7154"},
		AllowLocal:    true,
	}
}

// newTestBroker builds a broker on a scripted game-data transport. The
// login succeeds and create_dcid mints D1, D2, ... unless the caller
// rescripts it.
func newTestBroker(t *testing.T, cfg Config, opts Options) (*Userdata, *fakeTransport) {
	t.Helper()

	data := newFakeTransport()
	data.reply("login_game", func([]any) (any, error) { return true, nil })
	var dcids atomic.Int64
	data.reply("create_dcid", func([]any) (any, error) {
		return fmt.Sprintf("D%d", dcids.Add(1)), nil
	})

	opts.Dial = func(ctx context.Context, url string) (Transport, error) {
		return data, nil
	}
	if opts.NewPlayer == nil {
		opts.NewPlayer = func(conn *PlayerConnection) (Player, error) {
			return &testPlayer{conn: conn}, nil
		}
	}

	u, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })

	return u, data
}

// connectPlayer runs a full managed login for one fresh client and
// returns its transport and gcid.
func connectPlayer(t *testing.T, u *Userdata, data *fakeTransport, name, managed string) (*fakeTransport, string) {
	t.Helper()

	before := data.count("create_dcid")

	client := newFakeTransport()
	u.accept(client, url.Values{}, 0)
	client.waitFor(t, "userdata_setup")

	calls := data.waitForN(t, "create_dcid", before+1)
	gcid, ok := calls[len(calls)-1].Args[1].(string)
	require.True(t, ok)

	_, err := data.invoke("setup_connect_player", []any{1, gcid, managed, name, "en"})
	require.NoError(t, err)

	return client, gcid
}
