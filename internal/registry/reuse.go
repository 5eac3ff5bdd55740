package registry

import (
	"time"

	gateway "github.com/Devolutions/devolutions-gateway-sub002"
)

// reuseEntry is the token reuse table row for one token fingerprint, per
// spec.md section 3.
type reuseEntry struct {
	firstSeen   time.Time
	activeCount int
}

// rdpReuseWindow is the fixed grace period during which an RDP token may be
// presented a second time to accommodate the protocol's reconnect
// handshake.
const rdpReuseWindow = time.Duration(gateway.RDPReuseWindow) * time.Second

// admitReuse decides, under the shard lock, whether a new registration for
// fingerprint fp may proceed, and if so creates or updates its reuse entry.
// netscan tokens bypass the table entirely (Open Question (c) resolved:
// no). JMUX tokens never bypass it (spec.md section 4.7 has every channel
// "sharing the token's reuse accounting") but never reject on it either:
// every channel opened on one JMUX transport presents the same token
// concurrently by design, so isJMUX always admits and just grows
// activeCount, the same shape as the RDP path minus the reconnect window.
func (sh *shard) admitReuse(fp string, isRDP, isJMUX, skipTracking bool, now time.Time) error {
	if skipTracking {
		return nil
	}

	entry, exists := sh.reuse[fp]

	if isJMUX {
		if exists {
			entry.activeCount++
			return nil
		}
		sh.reuse[fp] = &reuseEntry{firstSeen: now, activeCount: 1}
		return nil
	}

	if isRDP {
		if exists {
			if now.Sub(entry.firstSeen) >= rdpReuseWindow {
				return newReuseError(ReuseKindWindowExpired)
			}
			entry.activeCount++
			return nil
		}
		sh.reuse[fp] = &reuseEntry{firstSeen: now, activeCount: 1}
		return nil
	}

	if exists && entry.activeCount > 0 {
		return newReuseError(ReuseKindConcurrent)
	}
	if !exists {
		sh.reuse[fp] = &reuseEntry{firstSeen: now, activeCount: 1}
		return nil
	}
	entry.activeCount++
	return nil
}

// releaseReuse decrements the reuse slot for fp, dropping the entry once it
// is both empty and past its window (immediately for non-RDP tokens, whose
// window is zero; a JMUX token is never treated as RDP here even when its
// channel's application protocol happens to be RDP, since the window
// belongs to the RDP reconnect handshake, not to JMUX multiplexing).
func (sh *shard) releaseReuse(fp string, isRDP, isJMUX, skipTracking bool, now time.Time) {
	if skipTracking {
		return
	}
	entry, exists := sh.reuse[fp]
	if !exists {
		return
	}
	if entry.activeCount > 0 {
		entry.activeCount--
	}
	if entry.activeCount == 0 {
		window := time.Duration(0)
		if isRDP && !isJMUX {
			window = rdpReuseWindow
		}
		if now.Sub(entry.firstSeen) >= window {
			delete(sh.reuse, fp)
		}
	}
}

// rollbackReserve undoes admitReuse after a failed connect attempt,
// treating it identically to a session that opened and immediately closed.
func (sh *shard) rollbackReserve(fp string, isRDP, isJMUX, skipTracking bool, now time.Time) {
	sh.releaseReuse(fp, isRDP, isJMUX, skipTracking, now)
}
