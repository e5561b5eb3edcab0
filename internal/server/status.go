package server

import (
	"encoding/json"
	"net/http"

	"github.com/hazz-dev/pingboard/internal/status"
)

// statusEntry is one value of the /status object. LatencyMs encodes as null
// for unreachable targets.
type statusEntry struct {
	Status    status.Status `json:"status"`
	LatencyMs *float64      `json:"latencyMs"`
	IconURL   string        `json:"iconUrl"`
}

// statusPayload maps target names to their latest cached record. Targets
// without a committed record yet are left out.
func (s *Server) statusPayload() map[string]statusEntry {
	snap := s.snapshots.Get()
	out := make(map[string]statusEntry, snap.Len())
	for _, t := range s.registry.All() {
		rec, ok := snap.Lookup(t.ID)
		if !ok {
			continue
		}
		out[t.Name] = statusEntry{
			Status:    rec.Status,
			LatencyMs: rec.LatencyMs,
			IconURL:   rec.IconURL,
		}
	}
	return out
}

// handleStatus answers from the cache only. With ?refresh=1 it also asks for
// an out-of-band cycle, without waiting for it.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if wantsRefresh(r) && s.refresher != nil {
		accepted := s.refresher.RequestRefresh()
		s.logger.Debug("refresh requested", "accepted", accepted)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.statusPayload())
}

func wantsRefresh(r *http.Request) bool {
	switch r.URL.Query().Get("refresh") {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
