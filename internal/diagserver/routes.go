package diagserver

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	views := s.conditions.Conditions()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
