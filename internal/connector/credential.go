package connector

import (
	"net"
	"sync"
)

// credentials attaches preflight-provisioned credentials to the net.Conn
// that carries them, so a protocol-specific upstream adapter can retrieve
// them without the connector needing to know about SSH or WinRM.
var credentials sync.Map // net.Conn -> *Credential

func attach(conn net.Conn, cred *Credential) {
	credentials.Store(conn, cred)
}

// Lookup returns the credential attached to conn, if any, and clears the
// entry so it cannot leak across connection reuse.
func Lookup(conn net.Conn) (*Credential, bool) {
	v, ok := credentials.LoadAndDelete(conn)
	if !ok {
		return nil, false
	}
	return v.(*Credential), true
}
