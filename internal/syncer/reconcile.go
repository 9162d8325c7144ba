package syncer

import (
	"bytes"
	"encoding/json"

	"github.com/lalith-99/reviewsync/internal/models"
)

// Reconcile compares the cached list with a fresh server list after removing
// client-only fields from both. When they match it returns local untouched
// and false. Otherwise it returns the server list, with the local handles of
// versions that still exist put back, and true.
//
// Neither input is modified.
func Reconcile(local, server []models.Project) ([]models.Project, bool) {
	strippedLocal, handles := stripAll(local)
	strippedServer, _ := stripAll(server)

	if sameContent(strippedLocal, strippedServer) {
		return local, false
	}

	out := strippedServer
	for i := range out {
		out[i].RestoreEphemeral(handles[out[i].ID])
	}
	return out, true
}

func stripAll(ps []models.Project) ([]models.Project, map[string]map[string]string) {
	out := make([]models.Project, len(ps))
	handles := make(map[string]map[string]string)
	for i := range ps {
		p := ps[i].Clone()
		p.Normalize()
		if h := p.StripEphemeral(); h != nil {
			handles[p.ID] = h
		}
		out[i] = *p
	}
	return out, handles
}

// sameContent compares the JSON encoding, which ignores the monotonic clock
// reading reflect.DeepEqual would trip over.
func sameContent(a, b []models.Project) bool {
	if len(a) != len(b) {
		return false
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
