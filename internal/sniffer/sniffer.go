// Package sniffer implements the Gateway protocol sniffer (spec.md section
// 4.2): classifying an inbound stream from a bounded, non-consuming peek at
// its preamble.
package sniffer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/gravitational/trace"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// Kind is the sniffer's classification of an inbound connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindTLS
	KindWebSocketUpgrade
	KindRDPPreconnection
	KindJMUX
)

func (k Kind) String() string {
	switch k {
	case KindTLS:
		return "tls"
	case KindWebSocketUpgrade:
		return "websocket-upgrade"
	case KindRDPPreconnection:
		return "rdp-preconnection"
	case KindJMUX:
		return "jmux"
	default:
		return "unknown"
	}
}

// jmuxMagic is the fixed four-byte prefix of a JMUX transport, followed by
// an OPEN frame.
var jmuxMagic = []byte{'J', 'M', 'U', 'X'}

// Result carries the classification plus any data the classifier extracted
// from the preamble that downstream components need (currently, the
// association token embedded in an RDP preconnection PDU).
type Result struct {
	Kind Kind

	// AssociationToken is populated only for KindRDPPreconnection.
	AssociationToken string

	// PreambleLen is the number of bytes the classified preamble occupies
	// for KindRDPPreconnection, so a caller that wants to look past it (a
	// JMUX transport can arrive behind a preconnection PDU carrying its
	// token, since JMUX has no header field of its own to carry one) knows
	// how much of the stream to discard before re-sniffing. Zero for every
	// other kind, since TLS and WebSocket framing is handled by unwrapping
	// the transport rather than skipping a fixed length.
	PreambleLen int
}

// Sniff peeks up to gateway.SniffPreambleSize bytes from r without
// consuming them and classifies the stream. The caller is expected to keep
// using r (not the peeked bytes separately) for all further reads.
func Sniff(r *bufio.Reader) (Result, error) {
	peek, err := r.Peek(gateway.SniffPreambleSize)
	if err != nil && len(peek) == 0 {
		return Result{}, trace.Wrap(err, "reading preamble")
	}
	// A short read is fine; classification degrades gracefully to Unknown
	// when there isn't enough data yet.

	if looksLikeTLS(peek) {
		return Result{Kind: KindTLS}, nil
	}
	if looksLikeWebSocketUpgrade(peek) {
		return Result{Kind: KindWebSocketUpgrade}, nil
	}
	if tok, n, ok := parsePreconnectionPDU(peek); ok {
		return Result{Kind: KindRDPPreconnection, AssociationToken: tok, PreambleLen: n}, nil
	}
	if bytes.HasPrefix(peek, jmuxMagic) {
		return Result{Kind: KindJMUX}, nil
	}
	return Result{Kind: KindUnknown}, nil
}

// looksLikeTLS recognises a TLS record header: handshake content type
// (0x16) followed by a TLS 1.0-1.2 version tag.
func looksLikeTLS(b []byte) bool {
	if len(b) < 3 {
		return false
	}
	if b[0] != 0x16 {
		return false
	}
	return b[1] == 0x03 && (b[2] == 0x01 || b[2] == 0x02 || b[2] == 0x03)
}

// looksLikeWebSocketUpgrade scans the preamble for an HTTP request line
// followed by the Upgrade: websocket header, without fully parsing HTTP.
func looksLikeWebSocketUpgrade(b []byte) bool {
	methods := [][]byte{[]byte("GET "), []byte("POST ")}
	matched := false
	for _, m := range methods {
		if bytes.HasPrefix(b, m) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	headerEnd := bytes.Index(b, []byte("\r\n\r\n"))
	header := b
	if headerEnd >= 0 {
		header = b[:headerEnd]
	}
	return containsHeaderCaseInsensitive(header, "upgrade", "websocket")
}

func containsHeaderCaseInsensitive(header []byte, key, value string) bool {
	lower := bytes.ToLower(header)
	return bytes.Contains(lower, []byte(key+":")) && bytes.Contains(lower, []byte(value))
}

// parsePreconnectionPDU recognises a PRECONNECTION_PDU_V2 structure per
// MS-RDPBCGR 2.2.1.3.1: a little-endian cbSize/flags/version/id header
// followed, for version 2, by a cbPcb length and a UTF-16LE token string.
// It returns the decoded association token.
func parsePreconnectionPDU(b []byte) (string, int, bool) {
	const headerLen = 16
	if len(b) < headerLen {
		return "", 0, false
	}
	cbSize := binary.LittleEndian.Uint32(b[0:4])
	version := binary.LittleEndian.Uint32(b[8:12])
	if version != 1 && version != 2 {
		return "", 0, false
	}
	if int(cbSize) < headerLen || int(cbSize) > len(b) {
		return "", 0, false
	}
	if version == 1 {
		// Version 1 carries no token; nothing to extract, but the PDU is
		// still recognised.
		return "", int(cbSize), true
	}

	if len(b) < headerLen+2 {
		return "", 0, false
	}
	cbPcb := binary.LittleEndian.Uint16(b[headerLen : headerLen+2])
	start := headerLen + 2
	end := start + int(cbPcb)
	if end > len(b) {
		return "", 0, false
	}
	token := decodeUTF16LE(b[start:end])
	return token, int(cbSize), true
}

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:i+2]))
	}
	// Trim a trailing NUL terminator, as the PCB field is null-terminated.
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}
