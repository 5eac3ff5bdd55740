package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

func TestListenerFlag_SetParsesPlainEntry(t *testing.T) {
	var f listenerFlag
	require.NoError(t, f.Set("tcp=0.0.0.0:8443=tcp://gateway.example.com:8443"))
	require.Equal(t, []config.ListenerEntry{
		{Scheme: config.SchemeTCP, BindAddr: "0.0.0.0:8443", ExternalURL: "tcp://gateway.example.com:8443"},
	}, []config.ListenerEntry(f))
}

func TestListenerFlag_SetParsesTLSEntryWithCertAndKey(t *testing.T) {
	var f listenerFlag
	require.NoError(t, f.Set("tls=0.0.0.0:8444=tls://gateway.example.com:8444=cert.pem=key.pem"))
	require.Len(t, f, 1)
	require.Equal(t, "cert.pem", f[0].CertFile)
	require.Equal(t, "key.pem", f[0].KeyFile)
}

func TestListenerFlag_SetAccumulatesAcrossRepeatedFlags(t *testing.T) {
	var f listenerFlag
	require.NoError(t, f.Set("tcp=0.0.0.0:8443=tcp://gw:8443"))
	require.NoError(t, f.Set("ws=0.0.0.0:8080=ws://gw:8080"))
	require.Len(t, f, 2)
}

func TestListenerFlag_SetRejectsMalformedEntry(t *testing.T) {
	var f listenerFlag
	require.Error(t, f.Set("tcp=0.0.0.0:8443"))
	require.Error(t, f.Set("tcp=0.0.0.0:8443=tcp://gw:8443=onlycert"))
}

func TestListenerFlag_String(t *testing.T) {
	f := listenerFlag{{Scheme: config.SchemeTCP, BindAddr: "0.0.0.0:8443", ExternalURL: "tcp://gw:8443"}}
	require.Equal(t, "tcp=0.0.0.0:8443=tcp://gw:8443", f.String())
}
