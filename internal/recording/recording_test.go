package recording

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
	"github.com/Devolutions/devolutions-gateway-sub002/internal/tunnel"
)

type fixedSpace struct{ free uint64 }

func (f fixedSpace) FreeBytes(string) (uint64, error) { return f.free, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestSink_RotatesAtConfiguredSize(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{
		Root:         root,
		RotationSize: 10,
		Space:        fixedSpace{free: 1 << 30},
	}, nil)
	require.NoError(t, err)

	ok, err := store.Admit("sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	sink, err := store.Open("sess-1", gateway.RecordingPolicyBoth, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	require.NoError(t, sink.Record(tunnel.ClientToTarget, []byte("0123456789")))
	require.NoError(t, sink.Record(tunnel.TargetToClient, []byte("abcde")))
	require.NoError(t, sink.Close())

	entries, err := os.ReadDir(filepath.Join(root, "sess-1"))
	require.NoError(t, err)
	var dataFiles int
	for _, e := range entries {
		if e.Name() != "index.json" {
			dataFiles++
		}
	}
	require.Equal(t, 2, dataFiles)
	require.Equal(t, int64(15), sink.BytesWritten())

	idxBody, err := os.ReadFile(filepath.Join(root, "sess-1", "index.json"))
	require.NoError(t, err)
	var idx Index
	require.NoError(t, json.Unmarshal(idxBody, &idx))
	require.Len(t, idx.Files, 2)
	require.NotNil(t, idx.ClosedAt)
}

func TestSink_NonePolicyWritesNothing(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{Root: root, Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sink, err := store.Open("sess-2", gateway.RecordingPolicyNone, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)

	require.NoError(t, sink.Record(tunnel.ClientToTarget, []byte("hello")))
	require.NoError(t, sink.Close())
	require.Equal(t, int64(0), sink.BytesWritten())
}

func TestStore_Admit_StrictRejectsBelowFloor(t *testing.T) {
	root := t.TempDir()
	var healthEvents []HealthEvent
	store, err := NewStore(StoreConfig{
		Root:                root,
		FreeSpaceFloorBytes: 1000,
		Strict:              true,
		Space:               fixedSpace{free: 10},
	}, func(e HealthEvent) { healthEvents = append(healthEvents, e) })
	require.NoError(t, err)

	ok, err := store.Admit("sess-3")
	require.Error(t, err)
	require.False(t, ok)
	require.Len(t, healthEvents, 1)
	require.True(t, healthEvents[0].Strict)
}

func TestStore_Admit_PermissiveAllowsUnrecorded(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{
		Root:                root,
		FreeSpaceFloorBytes: 1000,
		Strict:              false,
		Space:               fixedSpace{free: 10},
	}, nil)
	require.NoError(t, err)

	ok, err := store.Admit("sess-4")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_List_ReturnsSessionDirectories(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{Root: root, Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sink, err := store.Open("sess-5", gateway.RecordingPolicyBoth, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	sessions, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"sess-5"}, sessions)
}

func TestStore_List_MissingRootReturnsEmpty(t *testing.T) {
	store, err := NewStore(StoreConfig{Root: filepath.Join(t.TempDir(), "missing"), Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sessions, err := store.List()
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestStore_Index_ReturnsParsedSidecar(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{Root: root, RotationSize: 10, Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sink, err := store.Open("sess-6", gateway.RecordingPolicyBoth, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	require.NoError(t, sink.Record(tunnel.ClientToTarget, []byte("hello")))
	require.NoError(t, sink.Close())

	idx, err := store.Index("sess-6")
	require.NoError(t, err)
	require.Equal(t, "sess-6", idx.SessionID)
	require.Len(t, idx.Files, 1)
}

func TestStore_Index_UnknownSessionNotFound(t *testing.T) {
	store, err := NewStore(StoreConfig{Root: t.TempDir(), Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	_, err = store.Index("nope")
	require.Error(t, err)
}

func TestStore_Pull_RejectsPathTraversal(t *testing.T) {
	store, err := NewStore(StoreConfig{Root: t.TempDir(), Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	_, err = store.Pull("sess-7", "../escape")
	require.Error(t, err)
}

func TestStore_Pull_StreamsRotationFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{Root: root, RotationSize: 1024, Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sink, err := store.Open("sess-8", gateway.RecordingPolicyBoth, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	require.NoError(t, sink.Record(tunnel.ClientToTarget, []byte("payload")))
	require.NoError(t, sink.Close())

	idx, err := store.Index("sess-8")
	require.NoError(t, err)
	require.Len(t, idx.Files, 1)

	rc, err := store.Pull("sess-8", idx.Files[0].Name)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestStore_Delete_RejectsPathTraversal(t *testing.T) {
	store, err := NewStore(StoreConfig{Root: t.TempDir(), Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	err = store.Delete("../escape")
	require.Error(t, err)
}

func TestStore_Delete_RemovesSessionDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(StoreConfig{Root: root, Space: fixedSpace{free: 1 << 30}}, nil)
	require.NoError(t, err)

	sink, err := store.Open("sess-9", gateway.RecordingPolicyBoth, fixedClock{now: time.Unix(0, 0)})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	require.NoError(t, store.Delete("sess-9"))
	_, err = os.Stat(filepath.Join(root, "sess-9"))
	require.True(t, os.IsNotExist(err))
}
