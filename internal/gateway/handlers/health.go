package handlers

import (
	"net/http"
)

// Health answers liveness probes. It touches no quota, cache or upstream
// state so it stays cheap when those are degraded.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
