package userdata

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/hexrift/userdata/wsrpc"
)

const (
	releaseVersion = "0.1.0"

	timeout time.Duration = 10 * time.Second
)

// Serve runs one HTTP server per configured game port and blocks until
// ctx is cancelled or the game-data connection is lost. Each server
// accepts player and userdata websockets on /.
func (u *Userdata) Serve(ctx context.Context) error {
	ports := u.cfg.ListenPorts()
	if len(ports) == 0 {
		return errors.New("userdata: no game port configured and none derivable from game-url")
	}

	servers := make([]*http.Server, 0, len(ports))
	for index, port := range ports {
		mux := httprouter.New()

		mux.GET("/", u.serveWebsocket(index))
		mux.GET("/healthz", serveHealthCheck())
		mux.GET("/version", serveVersion())
		mux.GET("/qr", u.serveQR())

		if u.opts.Profile {
			registerProfileHandlers(mux)
		}

		servers = append(servers, &http.Server{
			Addr:              net.JoinHostPort("", port),
			Handler:           mux,
			IdleTimeout:       10 * time.Minute,
			ReadHeaderTimeout: timeout,
		})
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		srv := srv
		u.logf("SERVE: Listening on %s/", srv.Addr)
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		var cause error
		select {
		case cause = <-u.fatal:
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return cause
	})

	return g.Wait()
}

// serveWebsocket upgrades inbound sockets and hands them to the accept
// demultiplexer. Plain HTTP requests get a one-line answer.
func (u *Userdata) serveWebsocket(index int) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(u.cfg.Game + "\n"))
			return
		}

		conn, err := wsrpc.Upgrade(w, r)
		if err != nil {
			u.logf("SERVE: upgrade error: %v", err)
			return
		}

		u.accept(conn, r.URL.Query(), index)
	}
}

func serveHealthCheck() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Ok\n"))
	}
}

func serveVersion() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("userdata broker v" + releaseVersion + "\n"))
	}
}

// serveQR renders the game URL as a PNG QR code, so a player can move
// a login to another device.
func (u *Userdata) serveQR() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if u.cfg.GameURL == "" {
			http.Error(w, "no game url configured", http.StatusNotFound)
			return
		}

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(u.cfg.GameURL, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func registerProfileHandlers(mux *httprouter.Router) {
	mux.Handler("GET", "/pprof/allocs", pprof.Handler("allocs"))
	mux.Handler("GET", "/pprof/block", pprof.Handler("block"))
	mux.Handler("GET", "/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handler("GET", "/pprof/heap", pprof.Handler("heap"))
	mux.Handler("GET", "/pprof/mutex", pprof.Handler("mutex"))
	mux.Handler("GET", "/pprof/threadcreate", pprof.Handler("threadcreate"))
	mux.HandlerFunc("GET", "/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", "/pprof/profile", pprof.Profile)
	mux.HandlerFunc("GET", "/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc("GET", "/pprof/trace", pprof.Trace)
}
