package broker

import (
	"context"
	"net"

	"github.com/agentsh/broker/internal/crosscall"
)

// Bind resolves a connection token to its target. It is the
// crosscall.Binder for Serve.
func (b *Broker) Bind(token string) (crosscall.Handler, error) {
	if b.State() == StateDestroyed {
		return nil, ErrDestroyed
	}
	t, ok := b.Target(token)
	if !ok || t.Terminated() {
		return nil, ErrUnknownTarget
	}
	return t, nil
}

// Serve accepts target connections on ln and removes targets as their
// jobs empty, until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.WatchJobs(ctx)

	srv := crosscall.NewServer(ln, b.Bind, b.logger)
	b.logger.Info("broker listening", "addr", ln.Addr().String(), "services", len(b.table.Tags()))
	return srv.Serve(ctx)
}
