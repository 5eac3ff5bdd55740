package webapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/oklog/ulid"

	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
)

// healthResponse is the GET /health body, reported whenever the caller asks
// for JSON via Accept: application/json; spec.md leaves the non-JSON
// representation unspecified, so a plain identity line is returned instead.
type healthResponse struct {
	Identity string `json:"identity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if !wantsJSON(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, s.cfg.Identity+"\n")
		return nil, nil
	}
	return healthResponse{Identity: s.cfg.Identity}, nil
}

func wantsJSON(r *http.Request) bool {
	return r.Header.Get("Accept") == "application/json"
}

type heartbeatResponse struct {
	RunningSessions int    `json:"running_sessions"`
	Healthy         bool   `json:"healthy"`
	Detail          string `json:"detail,omitempty"`
}

func (s *Server) handleHeartbeat(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	resp := heartbeatResponse{
		RunningSessions: len(s.cfg.Registry.List()),
		Healthy:         true,
	}
	if s.cfg.Supervisor != nil {
		report := s.cfg.Supervisor.Health()
		resp.Healthy = report.Healthy
	}
	return resp, nil
}

type sessionView struct {
	ID                  string    `json:"id"`
	ApplicationProtocol string    `json:"application_protocol"`
	State               string    `json:"state"`
	ClientAddr          string    `json:"client_addr"`
	TargetAddr          string    `json:"target_addr,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	BytesRx             uint64    `json:"bytes_rx"`
	BytesTx             uint64    `json:"bytes_tx"`
}

func (s *Server) handleListSessions(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	snapshots := s.cfg.Registry.List()
	out := make([]sessionView, 0, len(snapshots))
	for _, sn := range snapshots {
		out = append(out, sessionView{
			ID:                  sn.ID,
			ApplicationProtocol: string(sn.ApplicationProtocol),
			State:               sn.State.String(),
			ClientAddr:          sn.ClientAddr,
			TargetAddr:          sn.TargetAddr,
			StartedAt:           sn.StartedAt,
			BytesRx:             sn.BytesRx,
			BytesTx:             sn.BytesTx,
		})
	}
	return out, nil
}

func (s *Server) handleTerminateSession(_ http.ResponseWriter, _ *http.Request, p httprouter.Params) (interface{}, error) {
	id := p.ByName("id")
	if err := s.cfg.Registry.Terminate(id); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

type jrlInstallRequest struct {
	Version  uint64   `json:"version"`
	TokenIDs []string `json:"token_ids"`
}

type jrlInstallResponse struct {
	Applied bool `json:"applied"`
}

func (s *Server) handleInstallJRL(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.JRL == nil {
		return nil, trace.NotImplemented("revocation list is not configured")
	}
	var req jrlInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid JRL body: %v", err)
	}
	applied := s.cfg.JRL.Apply(req.Version, req.TokenIDs)
	return jrlInstallResponse{Applied: applied}, nil
}

type jrlInfoResponse struct {
	Version uint64 `json:"version"`
	Size    int    `json:"size"`
}

func (s *Server) handleJRLInfo(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.JRL == nil {
		return nil, trace.NotImplemented("revocation list is not configured")
	}
	version, size := s.cfg.JRL.Info()
	return jrlInfoResponse{Version: version, Size: size}, nil
}

func (s *Server) handleJrecList(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Recording == nil {
		return nil, trace.NotImplemented("recording store is not configured")
	}
	sessions, err := s.cfg.Recording.List()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string][]string{"sessions": sessions}, nil
}

func (s *Server) handleJrecPull(w http.ResponseWriter, _ *http.Request, p httprouter.Params) (interface{}, error) {
	if s.cfg.Recording == nil {
		return nil, trace.NotImplemented("recording store is not configured")
	}
	rc, err := s.cfg.Recording.Pull(p.ByName("id"), p.ByName("file"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(w, rc)
	return nil, copyErr
}

func (s *Server) handleJrecDelete(_ http.ResponseWriter, _ *http.Request, p httprouter.Params) (interface{}, error) {
	if s.cfg.Recording == nil {
		return nil, trace.NotImplemented("recording store is not configured")
	}
	if err := s.cfg.Recording.Delete(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}

func (s *Server) handleJrecDeleteAll(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Recording == nil {
		return nil, trace.NotImplemented("recording store is not configured")
	}
	sessions, err := s.cfg.Recording.List()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, id := range sessions {
		if err := s.cfg.Recording.Delete(id); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return nil, nil
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if s.cfg.Preflight == nil {
		return nil, trace.NotImplemented("preflight provisioning is not configured")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Preflight.Preflight(r, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(result), nil
}

type trafficClaimRequest struct {
	Count int    `json:"count"`
	Lease string `json:"lease"`
}

type trafficEventView struct {
	ID     string                 `json:"id"`
	Kind   trafficqueue.EventKind `json:"kind"`
	Record trafficqueue.Record    `json:"record"`
}

func (s *Server) handleTrafficClaim(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Traffic == nil {
		return nil, trace.NotImplemented("traffic queue is not configured")
	}
	var req trafficClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid claim body: %v", err)
	}
	if req.Count < 1 || req.Count > 1000 {
		return nil, trace.BadParameter("count must be between 1 and 1000")
	}
	lease, err := time.ParseDuration(req.Lease)
	if err != nil {
		return nil, trace.BadParameter("invalid lease duration: %v", err)
	}
	if lease < time.Second || lease > time.Hour {
		return nil, trace.BadParameter("lease must be between 1s and 1h")
	}

	events, err := s.cfg.Traffic.Claim(req.Count, lease)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]trafficEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, trafficEventView{ID: ev.ID.String(), Kind: ev.Kind, Record: ev.Record})
	}
	return map[string]interface{}{"events": out}, nil
}

type trafficAckRequest struct {
	IDs []string `json:"ids"`
}

type trafficAckResponse struct {
	Acknowledged int `json:"acknowledged"`
}

func (s *Server) handleTrafficAck(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Traffic == nil {
		return nil, trace.NotImplemented("traffic queue is not configured")
	}
	var req trafficAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, trace.BadParameter("invalid ack body: %v", err)
	}
	if len(req.IDs) > 10000 {
		return nil, trace.BadParameter("ack batch must not exceed 10000 ids")
	}
	ids := make([]ulid.ULID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := ulid.Parse(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid event id %q: %v", raw, err)
		}
		ids = append(ids, id)
	}
	return trafficAckResponse{Acknowledged: s.cfg.Traffic.Ack(ids)}, nil
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if s.cfg.ConfigPatcher == nil {
		return nil, trace.NotImplemented("configuration hot-patch is not configured")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.ConfigPatcher.PatchConfig(r, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(result), nil
}

type clockResponse struct {
	Now time.Time `json:"now"`
}

func (s *Server) handleDiagnosticsClock(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	return clockResponse{Now: s.cfg.Clock()}, nil
}

func (s *Server) handleDiagnosticsConfiguration(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Diagnostics == nil {
		return nil, trace.NotImplemented("diagnostics source is not configured")
	}
	body, err := s.cfg.Diagnostics.Configuration(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(body), nil
}

func (s *Server) handleDiagnosticsLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Diagnostics == nil {
		return nil, trace.NotImplemented("diagnostics source is not configured")
	}
	body, err := s.cfg.Diagnostics.Logs(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.RawMessage(body), nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if s.cfg.Updater == nil {
		return nil, trace.NotImplemented("update agent is not configured")
	}
	if err := s.cfg.Updater.TriggerUpdate(r); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
