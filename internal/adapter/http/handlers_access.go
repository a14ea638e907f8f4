package adapthttp

import (
	"net/http"

	"barbershop/internal/domain"
)

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionState(r))
}

// handleAccess lets the frontend ask the guard about a view before
// rendering it.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	roleParam := q.Get("role")
	if roleParam == "" {
		roleParam = string(domain.RoleAny)
	}
	role, err := domain.ParseRole(roleParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from := q.Get("from")
	if from == "" {
		from = "/"
	}

	d := domain.Decide(s.sessionState(r), role)
	s.metrics.observeDecision(d)

	writeJSON(w, http.StatusOK, map[string]any{
		"decision": d.Kind.String(),
		"location": redirectTarget(d, from),
		"message":  d.Message,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	user := userFromContext(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
		"tipo":     user.Tipo,
	})
}
