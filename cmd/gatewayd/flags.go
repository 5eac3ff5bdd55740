package main

import (
	"strings"

	"github.com/gravitational/trace"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
)

// listenerFlag accumulates -listen flags into config.ListenerEntry values.
// Each occurrence is either "scheme=bindAddr=externalURL" or
// "scheme=bindAddr=externalURL=certFile=keyFile" for schemes that terminate
// TLS themselves.
type listenerFlag []config.ListenerEntry

func (f *listenerFlag) String() string {
	if f == nil || len(*f) == 0 {
		return ""
	}
	parts := make([]string, len(*f))
	for i, e := range *f {
		parts[i] = string(e.Scheme) + "=" + e.BindAddr + "=" + e.ExternalURL
	}
	return strings.Join(parts, ",")
}

func (f *listenerFlag) Set(value string) error {
	fields := strings.Split(value, "=")
	if len(fields) != 3 && len(fields) != 5 {
		return trace.BadParameter(
			"invalid -listen value %q, expected scheme=bindAddr=externalURL[=certFile=keyFile]", value)
	}
	entry := config.ListenerEntry{
		Scheme:      config.ListenerScheme(fields[0]),
		BindAddr:    fields[1],
		ExternalURL: fields[2],
	}
	if len(fields) == 5 {
		entry.CertFile = fields[3]
		entry.KeyFile = fields[4]
	}
	*f = append(*f, entry)
	return nil
}
