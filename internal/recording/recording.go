// Package recording implements the Gateway's recording sink (spec.md
// section 4.8): an optional per-session observer that persists the byte
// stream into rotated container files under a recording root, guarded by a
// free-space floor.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// SpaceChecker reports free bytes available on the recording volume. It is
// an interface so tests can inject arbitrary values instead of depending on
// the real filesystem, and so platform-specific statfs calls stay out of
// this package.
type SpaceChecker interface {
	FreeBytes(path string) (uint64, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// Root is the recording root directory; each session gets a
	// subdirectory named after its session id.
	Root string
	// RotationSize is the maximum size, in bytes, of one rotation file
	// before the sink rolls to the next index.
	RotationSize int64
	// FreeSpaceFloorBytes is the minimum free space the volume must have
	// for a new session to be admitted for recording.
	FreeSpaceFloorBytes uint64
	// Strict rejects new sessions outright when the floor is breached;
	// when false, sessions are admitted without recording instead.
	Strict bool
	// Space reports free bytes for Root's filesystem.
	Space SpaceChecker
	// Extension names the container file suffix, e.g. "cast" or "bin".
	Extension string
}

func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Root == "" {
		return trace.BadParameter("missing recording root")
	}
	if c.RotationSize == 0 {
		c.RotationSize = 64 * 1024 * 1024
	}
	if c.Extension == "" {
		c.Extension = "bin"
	}
	if c.Space == nil {
		c.Space = statfsChecker{}
	}
	return nil
}

// HealthEvent describes an observable recording-store health condition,
// surfaced to the subscriber per spec.md section 4.8.
type HealthEvent struct {
	SessionID string
	Message   string
	Strict    bool
}

// Store opens Sinks for individual sessions and enforces the store-wide
// free-space guard.
type Store struct {
	cfg    StoreConfig
	log    log.FieldLogger
	health func(HealthEvent)
}

// NewStore constructs a Store. onHealth may be nil.
func NewStore(cfg StoreConfig, onHealth func(HealthEvent)) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if onHealth == nil {
		onHealth = func(HealthEvent) {}
	}
	return &Store{
		cfg:    cfg,
		log:    log.WithField(trace.Component, gateway.Component(gateway.ComponentRecording)),
		health: onHealth,
	}, nil
}

// Admit checks the free-space floor for a new session and returns whether
// recording should proceed and, if the session must be refused outright
// under a strict policy, a non-nil error.
func (s *Store) Admit(sessionID string) (shouldRecord bool, err error) {
	free, serr := s.cfg.Space.FreeBytes(s.cfg.Root)
	if serr != nil {
		s.log.WithError(serr).Warn("Could not determine free space on recording volume, proceeding without the guard.")
		return true, nil
	}
	if free >= s.cfg.FreeSpaceFloorBytes {
		return true, nil
	}

	s.health(HealthEvent{SessionID: sessionID, Message: "recording volume below free-space floor", Strict: s.cfg.Strict})
	if s.cfg.Strict {
		return false, trace.LimitExceeded("recording volume below free-space floor")
	}
	s.log.WithField("session_id", sessionID).Warn("Recording volume below free-space floor, admitting session unrecorded.")
	return false, nil
}

// Open creates a new per-session Sink. Call Admit first; Open does not
// repeat the free-space check.
func (s *Store) Open(sessionID string, policy gateway.RecordingPolicy, clock Clock) (*Sink, error) {
	dir := filepath.Join(s.cfg.Root, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if clock == nil {
		clock = realClock{}
	}
	sink := &Sink{
		dir:          dir,
		rotationSize: s.cfg.RotationSize,
		extension:    s.cfg.Extension,
		policy:       policy,
		clock:        clock,
		index:        Index{SessionID: sessionID, StartedAt: clock.Now()},
	}
	return sink, nil
}

// List returns the session ids with a recording directory under Root,
// backing GET /jrec/list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Index returns the parsed index.json sidecar for a session, backing
// GET /jrec/list's per-session detail and validating the {id}/{file} pair
// GET /jrec/pull is called with.
func (s *Store) Index(sessionID string) (*Index, error) {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Root, sessionID, "index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no recording for session %q", sessionID)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var idx Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, trace.Wrap(err)
	}
	return &idx, nil
}

// Pull opens a named rotation file within a session's recording directory
// for streaming, backing GET /jrec/pull/{id}/{file}. file must match one of
// the names recorded in the session's index; callers are expected to have
// validated that via Index first.
func (s *Store) Pull(sessionID, file string) (io.ReadCloser, error) {
	if filepath.Base(file) != file {
		return nil, trace.BadParameter("invalid recording file name %q", file)
	}
	f, err := os.Open(filepath.Join(s.cfg.Root, sessionID, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no such recording file %q for session %q", file, sessionID)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return f, nil
}

// Delete removes a session's recording directory entirely, backing
// DELETE /jrec/delete/{id}.
func (s *Store) Delete(sessionID string) error {
	if filepath.Base(sessionID) != sessionID {
		return trace.BadParameter("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(filepath.Join(s.cfg.Root, sessionID)); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Clock abstracts time.Now for deterministic index timestamps in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type statfsChecker struct{}

func (statfsChecker) FreeBytes(path string) (uint64, error) {
	return freeBytes(path)
}

// Index is the JSON sidecar recorded alongside the rotation files,
// tracking timing and rotation boundaries per spec.md section 6
// ("Recording layout").
type Index struct {
	SessionID string      `json:"session_id"`
	StartedAt time.Time   `json:"started_at"`
	ClosedAt  *time.Time  `json:"closed_at,omitempty"`
	Files     []IndexFile `json:"files"`
}

type IndexFile struct {
	Name      string    `json:"name"`
	Seq       int       `json:"seq"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"started_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

func rotationFileName(seq int, ext string) string {
	return fmt.Sprintf("%04d.%s", seq, ext)
}
