package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseSnapshot() *Snapshot {
	return &Snapshot{
		Listeners: []ListenerEntry{
			{Scheme: SchemeTCP, BindAddr: "0.0.0.0:8443", ExternalURL: "tcp://gateway.example.com:8443"},
		},
		TokenKeyringPath: "/etc/gateway/keyring.pem",
	}
}

func TestSnapshot_CheckAndSetDefaults_FillsDefaults(t *testing.T) {
	s := baseSnapshot()
	require.NoError(t, s.CheckAndSetDefaults())
	require.Equal(t, "127.0.0.1:10444", s.HealthAddr)
	require.NotZero(t, s.ShutdownGrace)
}

func TestSnapshot_CheckAndSetDefaults_RequiresListener(t *testing.T) {
	s := baseSnapshot()
	s.Listeners = nil
	require.Error(t, s.CheckAndSetDefaults())
}

func TestSnapshot_CheckAndSetDefaults_TLSRequiresCertAndKey(t *testing.T) {
	s := baseSnapshot()
	s.Listeners = append(s.Listeners, ListenerEntry{
		Scheme: SchemeTLS, BindAddr: "0.0.0.0:8444", ExternalURL: "tls://gateway.example.com:8444",
	})
	require.Error(t, s.CheckAndSetDefaults())
}

func TestDiffListeners_AddedRemovedChanged(t *testing.T) {
	old := baseSnapshot()
	require.NoError(t, old.CheckAndSetDefaults())

	next := &Snapshot{
		Listeners: []ListenerEntry{
			{Scheme: SchemeTLS, BindAddr: "0.0.0.0:8443", ExternalURL: "tls://gateway.example.com:8443", CertFile: "c", KeyFile: "k"},
			{Scheme: SchemeTCP, BindAddr: "0.0.0.0:9000", ExternalURL: "tcp://gateway.example.com:9000"},
		},
		TokenKeyringPath: old.TokenKeyringPath,
	}
	require.NoError(t, next.CheckAndSetDefaults())

	d := DiffListeners(old, next)
	require.Len(t, d.Added, 1)
	require.Equal(t, "0.0.0.0:9000", d.Added[0].BindAddr)
	require.Len(t, d.Changed, 1)
	require.Equal(t, "0.0.0.0:8443", d.Changed[0].BindAddr)
	require.Empty(t, d.Removed)
}
