package api

import (
	"fmt"
	"net/http"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// serveWS subscribes the caller to measurements of its organization. Browsers cannot
// set headers on a WebSocket handshake, so the JWT usually arrives as ?token=.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	u := auth.Principal(r.Context())
	if !u.IsSuperuser && u.OrganizationID == nil {
		writeError(w, fmt.Errorf("user has no organization: %w", models.ErrForbidden))
		return
	}
	s.hub.ServeWS(w, r, u)
}
