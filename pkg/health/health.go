package health

import (
	"encoding/json"
	"net/http"
)

// HealthHandler answers liveness probes. The process being able to
// serve the request is the whole check.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, "alive")
}

// ReadyHandler answers readiness probes. The controller has no warm-up
// phase; once the mux is serving, it is ready.
func ReadyHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, "ready")
}

func writeProbe(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
