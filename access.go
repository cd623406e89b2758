package userdata

import (
	"context"

	"github.com/hexrift/userdata/wsrpc"
)

// Access is a handle on one logical channel of a shared RPC transport.
// Every outbound invocation gets the channel id prepended to its
// argument list, so the peer can tell tenants apart. The zero Access is
// invalid; many handles may borrow the same transport.
type Access struct {
	t       Transport
	channel int
}

// NewAccess binds channel on t.
func NewAccess(t Transport, channel int) Access {
	return Access{t: t, channel: channel}
}

// Valid reports whether the handle is bound to a transport.
func (a Access) Valid() bool {
	return a.t != nil
}

// Channel returns the channel id this handle speaks on.
func (a Access) Channel() int {
	return a.channel
}

// Call invokes target on the peer and waits for the result.
func (a Access) Call(ctx context.Context, target string, args []any, kwargs map[string]any) (any, error) {
	return a.t.Call(ctx, target, a.prefixed(args), kwargs)
}

// Post enqueues an invocation without waiting. reply may be nil.
func (a Access) Post(target string, args []any, kwargs map[string]any, reply wsrpc.Reply) {
	a.t.Post(target, a.prefixed(args), kwargs, reply)
}

// prefixed copies args with the channel id at position 0. The copy also
// keeps later caller mutations from reaching the wire.
func (a Access) prefixed(args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, a.channel)
	return append(out, args...)
}
