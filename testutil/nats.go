package testutil

import (
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

func NewNatsServer(tb testing.TB) *server.Server {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = tb.TempDir()
	return natsserver.RunServer(&opts)
}

func ShutdownNatsServer(s *server.Server) {
	s.Shutdown()
	s.WaitForShutdown()
}

// NewNatsConn starts a JetStream enabled server and connects to it. Both
// are torn down when the test ends.
func NewNatsConn(tb testing.TB) *nats.Conn {
	tb.Helper()

	srv := NewNatsServer(tb)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		ShutdownNatsServer(srv)
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		nc.Close()
		ShutdownNatsServer(srv)
	})
	return nc
}
