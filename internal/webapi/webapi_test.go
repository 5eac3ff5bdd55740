package webapi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/jrl"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/registry"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
)

// signedToken mints a compact JWS carrying contentType, grounded on
// zmb3-teleport/lib/jwt.Key.sign's jose.NewSigner/jwt.Signed idiom.
func signedToken(t *testing.T, priv *ecdsa.PrivateKey, contentType gateway.ContentType, expiry time.Time) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: priv}, nil)
	require.NoError(t, err)

	claims := struct {
		josejwt.Claims
		ContentType string `json:"jet_cty"`
	}{
		Claims:      josejwt.Claims{Expiry: josejwt.NewNumericDate(expiry)},
		ContentType: string(contentType),
	}
	raw, err := josejwt.Signed(signer).Claims(claims).CompactSerialize()
	require.NoError(t, err)
	return raw
}

type testServer struct {
	server  *Server
	priv    *ecdsa.PrivateKey
	jrl     *jrl.List
	traffic *trafficqueue.Queue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	verifier, err := token.NewVerifier(token.VerifierConfig{
		Keyring: token.StaticKeyring{Primary: priv.Public()},
		Clock:   clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	revocations := jrl.New()
	reg := registry.New()
	queue, err := trafficqueue.New(trafficqueue.Config{})
	require.NoError(t, err)

	srv, err := New(Config{
		Verifier:  verifier,
		Registry:  reg,
		JRL:       revocations,
		Traffic:   queue,
		Identity:  "gateway-test",
		Clock:     time.Now,
	})
	require.NoError(t, err)

	return &testServer{server: srv, priv: priv, jrl: revocations, traffic: queue}
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/jet"+path, bytes.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHeartbeat_RejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/heartbeat", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHeartbeat_AcceptsScopeToken(t *testing.T) {
	ts := newTestServer(t)
	tok := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodGet, "/heartbeat", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp heartbeatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 0, resp.RunningSessions)
}

func TestHeartbeat_RejectsWrongContentType(t *testing.T) {
	ts := newTestServer(t)
	tok := signedToken(t, ts.priv, gateway.ContentTypeJMUX, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodGet, "/heartbeat", tok, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListSessions_EmptyRegistry(t *testing.T) {
	ts := newTestServer(t)
	tok := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodGet, "/sessions", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []sessionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Empty(t, sessions)
}

func TestTerminateSession_UnknownIDNotFound(t *testing.T) {
	ts := newTestServer(t)
	tok := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodPost, "/session/nope/terminate", tok, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstallJRL_RequiresJRLToken(t *testing.T) {
	ts := newTestServer(t)
	scope := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodPost, "/jrl", scope, []byte(`{"version":1,"token_ids":["a"]}`))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInstallJRL_ThenInfoReflectsVersion(t *testing.T) {
	ts := newTestServer(t)
	jrlTok := signedToken(t, ts.priv, gateway.ContentTypeJRL, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodPost, "/jrl", jrlTok, []byte(`{"version":1,"token_ids":["abc"]}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var installResp jrlInstallResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&installResp))
	require.True(t, installResp.Applied)

	scope := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec = ts.do(t, http.MethodGet, "/jrl/info", scope, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info jrlInfoResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	require.Equal(t, uint64(1), info.Version)
	require.Equal(t, 1, info.Size)
	require.True(t, ts.jrl.IsRevoked("abc"))
}

func TestJrecRoutes_WithoutStoreReturnNotImplemented(t *testing.T) {
	ts := newTestServer(t)
	scope := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodGet, "/jrec/list", scope, nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestJrecList_AcceptsJrecToken(t *testing.T) {
	ts := newTestServer(t)
	jrec := signedToken(t, ts.priv, gateway.ContentTypeJREC, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodGet, "/jrec/list", jrec, nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code) // no recording store wired; proves auth passed
}

func TestTrafficClaimAck_RoundTrips(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.traffic.Enqueue(trafficqueue.EventOpen, trafficqueue.Record{SessionID: "s1"})
	require.NoError(t, err)

	scope := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodPost, "/traffic/claim", scope, []byte(`{"count":10,"lease":"30s"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var claimResp struct {
		Events []trafficEventView `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&claimResp))
	require.Len(t, claimResp.Events, 1)

	ackBody, err := json.Marshal(trafficAckRequest{IDs: []string{claimResp.Events[0].ID}})
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/traffic/ack", scope, ackBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var ackResp trafficAckResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ackResp))
	require.Equal(t, 1, ackResp.Acknowledged)
}

func TestTrafficClaim_RejectsOversizedCount(t *testing.T) {
	ts := newTestServer(t)
	scope := signedToken(t, ts.priv, gateway.ContentTypeScope, time.Now().Add(time.Hour))
	rec := ts.do(t, http.MethodPost, "/traffic/claim", scope, []byte(`{"count":5000,"lease":"30s"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiagnosticsClock_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/diagnostics/clock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDiagnosticsConfiguration_RequiresToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/diagnostics/configuration", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
