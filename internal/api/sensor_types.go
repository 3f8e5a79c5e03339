package api

import (
	"net/http"
	"strings"

	"github.com/ponytojas/go-iot-hub/internal/models"
)

func (s *Server) listSensorTypes(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	types, err := s.store.ListSensorTypes(r.Context(), skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, types)
}

func (s *Server) createSensorType(w http.ResponseWriter, r *http.Request) {
	var in models.SensorTypeCreate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := required("name", in.Name); err != nil {
		writeError(w, err)
		return
	}
	if err := required("unit", in.Unit); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.store.CreateSensorType(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, st)
}

func (s *Server) updateSensorType(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in models.SensorTypeUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.Name != nil {
		if err := required("name", *in.Name); err != nil {
			writeError(w, err)
			return
		}
	}
	st, err := s.store.UpdateSensorType(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, st)
}
