package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// PendingCallback is the scratch value written immediately before
// redirecting to the identity provider. It points the callback router
// at the server whose flow is in flight.
//
// At most one hint is outstanding at a time: a second Authenticate
// before the first completes overwrites the hint, and the first flow
// then loses its pointer. This is a documented race, not a bug to fix
// here; callers serialize authentication attempts.
type PendingCallback struct {
	ServerID  string    `json:"serverId"`
	CreatedAt time.Time `json:"createdAt"`
}

// hintTTL bounds how long a pending-callback hint stays usable. A
// redirect arriving later than this is for a flow nobody is waiting on
// anymore, so the hint must not route it.
const hintTTL = 10 * time.Minute

// WritePendingCallback records the hint for the given server.
func WritePendingCallback(s Store, serverID string) error {
	hint := PendingCallback{ServerID: serverID, CreatedAt: time.Now()}
	data, err := json.Marshal(hint)
	if err != nil {
		return fmt.Errorf("failed to encode pending callback hint: %w", err)
	}
	return s.Set(KeyPendingCallback, string(data))
}

// ConsumePendingCallback reads and deletes the hint. The second return
// is false when no hint was outstanding, it could not be decoded, or
// it is older than hintTTL.
func ConsumePendingCallback(s Store) (PendingCallback, bool) {
	raw, ok, err := s.Get(KeyPendingCallback)
	if err != nil || !ok {
		return PendingCallback{}, false
	}

	// Delete before use so that a re-invoked handler never resolves
	// against a stale hint.
	_ = s.Delete(KeyPendingCallback)

	var hint PendingCallback
	if err := json.Unmarshal([]byte(raw), &hint); err != nil {
		return PendingCallback{}, false
	}
	if hint.ServerID == "" {
		return PendingCallback{}, false
	}
	if time.Since(hint.CreatedAt) > hintTTL {
		return PendingCallback{}, false
	}
	return hint, true
}
