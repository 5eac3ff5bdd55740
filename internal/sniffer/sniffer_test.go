package sniffer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

func TestSniff_TLS(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}))
	res, err := Sniff(r)
	require.NoError(t, err)
	require.Equal(t, KindTLS, res.Kind)
}

func TestSniff_WebSocketUpgrade(t *testing.T) {
	req := "GET /jet/tunnel HTTP/1.1\r\nHost: gw.example\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	r := bufio.NewReader(bytes.NewReader([]byte(req)))
	res, err := Sniff(r)
	require.NoError(t, err)
	require.Equal(t, KindWebSocketUpgrade, res.Kind)
}

func TestSniff_JMUX(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("JMUX\x01\x00\x00\x00")))
	res, err := Sniff(r)
	require.NoError(t, err)
	require.Equal(t, KindJMUX, res.Kind)
}

func TestSniff_RDPPreconnectionWithToken(t *testing.T) {
	token := "session-token-value"
	units := utf16.Encode([]rune(token))
	units = append(units, 0) // NUL terminator

	pcb := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(pcb[i*2:], u)
	}

	const headerLen = 16
	buf := make([]byte, headerLen+2+len(pcb))
	cbSize := uint32(headerLen + 2 + len(pcb))
	binary.LittleEndian.PutUint32(buf[0:4], cbSize)
	binary.LittleEndian.PutUint32(buf[4:8], 0)  // flags
	binary.LittleEndian.PutUint32(buf[8:12], 2) // version 2
	binary.LittleEndian.PutUint32(buf[12:16], 1)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(pcb)))
	copy(buf[18:], pcb)

	r := bufio.NewReader(bytes.NewReader(buf))
	res, err := Sniff(r)
	require.NoError(t, err)
	require.Equal(t, KindRDPPreconnection, res.Kind)
	require.Equal(t, token, res.AssociationToken)
}

func TestSniff_Unknown(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04}))
	res, err := Sniff(r)
	require.NoError(t, err)
	require.Equal(t, KindUnknown, res.Kind)
}
