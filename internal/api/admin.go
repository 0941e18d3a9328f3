package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBindings reports the registry's binding validation results, the
// same check the hounfour-check CLI runs at deploy time.
func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	results := s.registry.ValidateBindings()
	status := http.StatusOK
	for _, res := range results {
		if !res.Valid {
			status = http.StatusUnprocessableEntity
			break
		}
	}
	writeJSON(w, status, map[string]interface{}{
		"price_table_version": s.registry.PriceTableVersion(),
		"bindings":            results,
	})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuits": s.prober.Stats(),
	})
}

func (s *Server) handleBudgetSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	snap := s.budget.SnapshotScope(scope)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": []struct{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": s.scheduler.Status(),
	})
}
