// Package webapi implements the Gateway's HTTP control plane (spec.md
// section 6): the /health, /heartbeat, /sessions, /jrl, /jrec, /preflight,
// /traffic, /config, /diagnostics and /update routes, dispatched through
// github.com/julienschmidt/httprouter exactly as the teacher's own
// APIServer does, with internal/token bearer verification standing in for
// the teacher's Authorizer middleware.
package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/jrl"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/recording"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/registry"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/supervisor"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
)

// PreflightProvisioner resolves a preflight batch (host resolution, token
// provisioning, credential provisioning). The core owns only the route and
// its auth check; the actual provisioning logic lives outside this engine
// per spec.md section 1's Non-goals.
type PreflightProvisioner interface {
	Preflight(ctx httpContext, batch json.RawMessage) (json.RawMessage, error)
}

// ConfigPatcher applies a partial configuration update, returning the
// resulting snapshot for the caller to hand to the supervisor.
type ConfigPatcher interface {
	PatchConfig(ctx httpContext, patch json.RawMessage) (json.RawMessage, error)
}

// Updater triggers an update via the companion agent.
type Updater interface {
	TriggerUpdate(ctx httpContext) error
}

// DiagnosticsSource answers the /diagnostics/{clock,configuration,logs}
// routes. Clock needs no authorisation; Configuration and Logs require a
// token like every other route below /diagnostics/clock.
type DiagnosticsSource interface {
	Configuration(ctx httpContext) (json.RawMessage, error)
	Logs(ctx httpContext) (json.RawMessage, error)
}

type httpContext = *http.Request

// Config wires a Server's collaborators. Only Verifier and Registry are
// required. JRL, Recording, Traffic, Preflight, ConfigPatcher, Updater and
// Diagnostics back optional routes and may be left nil, in which case those
// routes respond 501 Not Implemented. A nil Supervisor makes /heartbeat
// report healthy. Identity is reported as-is by /health, even when empty.
type Config struct {
	Verifier   *token.Verifier
	Registry   *registry.Registry
	JRL        *jrl.List
	Recording  *recording.Store
	Traffic    *trafficqueue.Queue
	Supervisor *supervisor.Supervisor

	Identity string // reported by GET /health

	Preflight     PreflightProvisioner
	ConfigPatcher ConfigPatcher
	Updater       Updater
	Diagnostics   DiagnosticsSource

	Clock func() time.Time
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Verifier == nil {
		return trace.BadParameter("webapi requires a token verifier")
	}
	if c.Registry == nil {
		return trace.BadParameter("webapi requires a session registry")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Server is the Gateway's HTTP control plane, an httprouter.Router wrapped
// with bearer-token middleware, mirroring the shape of the teacher's own
// APIServer (lib/auth/apiserver.go: an embedded httprouter.Router plus a
// withAuth wrapper run in front of every handler but /health).
type Server struct {
	httprouter.Router

	cfg Config
	log log.FieldLogger
}

// New constructs a Server and registers every route from spec.md section 6.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg: cfg,
		log: log.WithField(trace.Component, gateway.Component(gateway.ComponentWebAPI)),
	}
	s.Router = *httprouter.New()

	// Every route lives under /jet, matching the teacher's own convention of
	// namespacing the whole API surface under one path prefix
	// (lib/auth/apiserver.go's "/v1" on APIServer) and spec.md section 6's
	// "HTTP control plane (under /jet)".
	const prefix = "/jet"

	s.GET(prefix+"/health", wrap(s.handleHealth))
	s.GET(prefix+"/heartbeat", s.withScopeAuth(s.handleHeartbeat))
	s.GET(prefix+"/sessions", s.withScopeAuth(s.handleListSessions))
	s.POST(prefix+"/session/:id/terminate", s.withScopeAuth(s.handleTerminateSession))

	s.POST(prefix+"/jrl", s.withAuth(gateway.ContentTypeJRL, s.handleInstallJRL))
	s.GET(prefix+"/jrl/info", s.withScopeAuth(s.handleJRLInfo))

	s.GET(prefix+"/jrec/list", s.withJrecAuth(s.handleJrecList))
	s.GET(prefix+"/jrec/pull/:id/:file", s.withJrecAuth(s.handleJrecPull))
	s.DELETE(prefix+"/jrec/delete", s.withJrecAuth(s.handleJrecDeleteAll))
	s.DELETE(prefix+"/jrec/delete/:id", s.withJrecAuth(s.handleJrecDelete))

	s.POST(prefix+"/preflight", s.withScopeAuth(s.handlePreflight))

	s.POST(prefix+"/traffic/claim", s.withScopeAuth(s.handleTrafficClaim))
	s.POST(prefix+"/traffic/ack", s.withScopeAuth(s.handleTrafficAck))

	s.PATCH(prefix+"/config", s.withScopeAuth(s.handleConfigPatch))

	s.GET(prefix+"/diagnostics/clock", wrap(s.handleDiagnosticsClock))
	s.GET(prefix+"/diagnostics/configuration", s.withScopeAuth(s.handleDiagnosticsConfiguration))
	s.GET(prefix+"/diagnostics/logs", s.withScopeAuth(s.handleDiagnosticsLogs))

	s.POST(prefix+"/update", s.withScopeAuth(s.handleUpdate))

	return s, nil
}
