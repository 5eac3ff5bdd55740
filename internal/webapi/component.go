package webapi

import (
	"context"
	"net"
	"net/http"

	"github.com/gravitational/trace"
)

// Component wraps a Server in an http.Server bound to a fixed address,
// making the HTTP control plane a regular internal/supervisor.Component
// alongside the listener pool and dispatcher, mirroring the teacher's own
// TLSServer (lib/kube/proxy): an embedded *http.Server plus Serve/Close.
type Component struct {
	Addr   string
	Server *Server

	http *http.Server
}

// Name identifies this component to internal/supervisor.
func (c *Component) Name() string { return "webapi" }

// Run listens on Addr and serves until ctx is cancelled. Implements
// internal/supervisor.Component.
func (c *Component) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return trace.Wrap(err, "binding webapi listener")
	}

	c.http = &http.Server{Handler: c.Server}

	errc := make(chan error, 1)
	go func() { errc <- c.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		return trace.Wrap(c.http.Shutdown(context.Background()))
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return trace.Wrap(err)
	}
}
