package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

var errBoom = errors.New("boom")

func testSnapshot() *config.Snapshot {
	s := &config.Snapshot{
		Listeners: []config.ListenerEntry{
			{Scheme: config.SchemeTCP, BindAddr: "127.0.0.1:0", ExternalURL: "tcp://gateway.example.com:0"},
		},
		TokenKeyringPath: "/etc/gateway/keyring.pem",
	}
	if err := s.CheckAndSetDefaults(); err != nil {
		panic(err)
	}
	return s
}

type fakeComponent struct {
	name    string
	runErr  error
	started chan struct{}
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Run(ctx context.Context) error {
	if f.started != nil {
		close(f.started)
	}
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

type reloadableComponent struct {
	fakeComponent
	reloads atomic.Int32
}

func (r *reloadableComponent) Reload(ctx context.Context, snapshot *config.Snapshot) error {
	r.reloads.Add(1)
	return nil
}

func TestSupervisor_RunStopsAllOnOneFailure(t *testing.T) {
	sup, err := New(Config{Initial: testSnapshot()})
	require.NoError(t, err)

	started := make(chan struct{})
	ok := &fakeComponent{name: "ok", started: started}
	bad := &fakeComponent{name: "bad", runErr: errBoom}

	sup.Register(ok)
	sup.Register(bad)

	err = sup.Run(context.Background())
	require.Error(t, err)

	<-started
	health := sup.Health()
	require.False(t, health.Healthy)
	require.NotEmpty(t, health.Components["bad"].Error)
}

func TestSupervisor_ReloadSwapsSnapshotAndNotifiesReloadable(t *testing.T) {
	sup, err := New(Config{Initial: testSnapshot()})
	require.NoError(t, err)

	rc := &reloadableComponent{fakeComponent: fakeComponent{name: "listener"}}
	sup.Register(rc)

	next := &config.Snapshot{
		Listeners: []config.ListenerEntry{
			{Scheme: config.SchemeTCP, BindAddr: "127.0.0.1:1", ExternalURL: "tcp://gateway.example.com:1"},
		},
		TokenKeyringPath: "/etc/gateway/keyring.pem",
	}
	require.NoError(t, sup.Reload(context.Background(), next))
	require.Equal(t, next, sup.Snapshot())
	require.Equal(t, int32(1), rc.reloads.Load())
}

func TestSupervisor_ShutdownCancelsRunningComponents(t *testing.T) {
	sup, err := New(Config{Initial: testSnapshot(), ShutdownGrace: 200 * time.Millisecond})
	require.NoError(t, err)

	started := make(chan struct{})
	sup.Register(&fakeComponent{name: "ok", started: started})

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	<-started
	sup.Shutdown(context.Background())

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
