package node

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lattice-kv/raftkv/internal/config"
	"github.com/lattice-kv/raftkv/pkg/txn"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func singleNodeConfig(t *testing.T) config.Config {
	t.Helper()
	port := freePort(t)
	return config.Config{
		Primary: config.RaftClusterConfig{
			Name:      "primary",
			ClusterID: "c1",
			Identity:  "node1",
			BindAddr:  fmt.Sprintf("127.0.0.1:%d", port),
			DataDir:   t.TempDir(),
			Transport: "tcp",

			MinElectionTimeoutMS: 40,
			MaxElectionTimeoutMS: 80,
			HeartbeatTimeoutMS:   10,
		},
		StandaloneDataDir: t.TempDir(),
		FallbackStateFile: t.TempDir() + "/fallback.state",
		LogLevel:          "error",
	}
}

func TestNewWiresASingleNodeClusterThatElectsItself(t *testing.T) {
	n, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	n.Primary().StartElection()
	require.Eventually(t, func() bool {
		return n.Primary().Role().String() == "leader"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlAPIReportsRaftStatus(t *testing.T) {
	n, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	api := NewControlAPI(n)
	n.Primary().StartElection()
	require.Eventually(t, func() bool {
		return api.RaftStatus().Role == "leader"
	}, 2*time.Second, 10*time.Millisecond)

	st := api.RaftStatus()
	require.Equal(t, "node1", st.Identity)
	require.Len(t, st.Members, 1)
}

func TestControlAPIFallbackStatusDefaultsToStandalone(t *testing.T) {
	n, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	defer n.Close()

	api := NewControlAPI(n)
	require.Equal(t, "standalone", api.FallbackStatus().CurrentTarget)
}

func TestCreateTransactionRoundTripsThroughFallback(t *testing.T) {
	n, err := New(singleNodeConfig(t))
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.Start(ctx))

	tx, err := n.CreateTransaction(txn.Eventual)
	require.NoError(t, err)
	_, ok := tx.Get([]byte("anything"))
	require.False(t, ok)
	require.NoError(t, tx.Commit(context.Background()))
}
