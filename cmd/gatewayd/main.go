// Command gatewayd is the Gateway process entrypoint: it parses
// configuration flags, wires every engine component together, and runs them
// under internal/supervisor until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/config"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/connector"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/dispatch"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/jmux"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/jrl"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/listener"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/recording"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/registry"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/subscriber"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/supervisor"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/token"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/trafficqueue"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/tunnel"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/webapi"
)

var (
	logFormat = flag.String("log-format", "", "Log format to use (json or text)")
	logLevel  = flag.String("log-level", "", "Log level to use")

	listeners listenerFlag

	tokenKeyringFile = flag.String("token-keyring", "", "Path to the PEM-encoded primary provisioner public key")
	tokenSubkeysDir  = flag.String("token-subkeys", "", "Optional directory of PEM-encoded provisioner subkeys, one per file named <id>.pem")
	gatewayID        = flag.String("gateway-id", "", "Gateway id tokens must carry as their jet_gw_id audience, when set")

	recordingRoot      = flag.String("recording-root", "", "Recording root directory; recording is disabled when unset")
	recordingMinFreeMB = flag.Uint64("recording-min-free-mb", 1024, "Minimum free megabytes the recording volume must retain to admit a new session")
	recordingStrict    = flag.Bool("recording-strict", false, "Refuse new sessions outright rather than degrading to unrecorded when the recording volume is low on space")

	subscriberURL   = flag.String("subscriber-url", "", "Subscriber event-ingest URL; the push notifier is disabled when unset")
	subscriberToken = flag.String("subscriber-token", "", "Bearer token the subscriber notifier authenticates its POSTs with")

	healthAddr    = flag.String("health-addr", "127.0.0.1:10444", "Bind address for the HTTP control plane")
	shutdownGrace = flag.Duration("shutdown-grace", time.Duration(gateway.TunnelCloseGrace)*time.Second, "How long to wait for in-flight sessions to drain on shutdown")

	tlsCertFile = flag.String("tls-cert", "", "Certificate used for inline TLS (a plain TCP entry whose stream turns out to speak TLS) and for any https entry without its own certFile/keyFile; tls and wss entries must carry their own")
	tlsKeyFile  = flag.String("tls-key", "", "Key matching -tls-cert")
)

func init() {
	flag.Var(&listeners, "listen", `Listener entry, repeatable: "scheme=bindAddr=externalURL" or "scheme=bindAddr=externalURL=certFile=keyFile" (scheme is one of tcp, tls, ws, wss, http, https)`)
}

func main() {
	flag.Parse()
	configureLogging()

	if err := run(); err != nil {
		log.Fatal(trace.Wrap(err))
	}
}

func configureLogging() {
	switch *logFormat {
	case "": // OK, use defaults
		log.SetFormatter(&trace.TextFormatter{})
	case "json":
		log.SetFormatter(&trace.JSONFormatter{})
	case "text":
		log.SetFormatter(&trace.TextFormatter{})
	default:
		log.Warnf("Invalid -log-format flag: %q", *logFormat)
	}
	if *logLevel != "" {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Warn("Invalid -log-level flag")
		} else {
			log.SetLevel(level)
		}
	}
}

func buildSnapshot() (*config.Snapshot, error) {
	snapshot := &config.Snapshot{
		Listeners:          listeners,
		TokenKeyringPath:   *tokenKeyringFile,
		RecordingRoot:      *recordingRoot,
		RecordingMinFreeMB: *recordingMinFreeMB,
		SubscriberURL:      *subscriberURL,
		SubscriberToken:    *subscriberToken,
		HealthAddr:         *healthAddr,
		ShutdownGrace:      *shutdownGrace,
	}
	if err := snapshot.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return snapshot, nil
}

func run() error {
	snapshot, err := buildSnapshot()
	if err != nil {
		return trace.Wrap(err)
	}

	sup, err := supervisor.New(supervisor.Config{Initial: snapshot})
	if err != nil {
		return trace.Wrap(err)
	}

	keyring, err := token.LoadKeyringFile(*tokenKeyringFile, *tokenSubkeysDir)
	if err != nil {
		return trace.Wrap(err, "loading token keyring")
	}

	revocations := jrl.New()

	verifier, err := token.NewVerifier(token.VerifierConfig{
		Keyring:   keyring,
		JRL:       revocations,
		GatewayID: *gatewayID,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	reg := registry.New()

	conn, err := connector.New(connector.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	engine, err := tunnel.New(tunnel.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	var certs listener.CertificateSource
	if *tlsCertFile != "" {
		certs, err = listener.NewFileCertificateSource(*tlsCertFile, *tlsKeyFile)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	pool, err := listener.New(listener.Config{Certificates: certs})
	if err != nil {
		return trace.Wrap(err)
	}

	var recordingStore *recording.Store
	if snapshot.RecordingRoot != "" {
		recordingStore, err = recording.NewStore(recording.StoreConfig{
			Root:                snapshot.RecordingRoot,
			FreeSpaceFloorBytes: snapshot.RecordingMinFreeMB * 1024 * 1024,
			Strict:              *recordingStrict,
		}, nil)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	traffic, err := trafficqueue.New(trafficqueue.Config{})
	if err != nil {
		return trace.Wrap(err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Listener:     pool,
		Verifier:     verifier,
		Registry:     reg,
		Connector:    conn,
		Tunnel:       engine,
		Recording:    recordingStore,
		Traffic:      traffic,
		Certificates: certs,
		JMUX:         jmux.Config{},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	webapiServer, err := webapi.New(webapi.Config{
		Verifier:   verifier,
		Registry:   reg,
		JRL:        revocations,
		Recording:  recordingStore,
		Traffic:    traffic,
		Supervisor: sup,
		Identity:   "gatewayd",
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sup.Register(pool)
	sup.Register(dispatcher)
	sup.Register(&webapi.Component{Addr: snapshot.HealthAddr, Server: webapiServer})

	if snapshot.SubscriberURL != "" {
		notifier, err := subscriber.New(subscriber.Config{
			URL:         snapshot.SubscriberURL,
			BearerToken: snapshot.SubscriberToken,
		}, traffic)
		if err != nil {
			return trace.Wrap(err)
		}
		sup.Register(notifier)
	}

	// The listener pool opens its entries on Reload, not Run; apply the
	// initial snapshot before starting the supervisor's errgroup.
	if err := sup.Reload(context.Background(), snapshot); err != nil {
		return trace.Wrap(err, "opening initial listeners")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(context.Background()) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		return trace.Wrap(err)
	case s := <-sig:
		log.Infof("Captured %s, shutting down.", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), snapshot.ShutdownGrace+5*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	return trace.Wrap(<-runErr)
}
