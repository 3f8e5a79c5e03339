package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/cache"
	"github.com/ponytojas/go-iot-hub/internal/calibration"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// statsPageSize bounds each store round trip while counting devices.
const statsPageSize = 500

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	archived, err := queryBool(r, "include_archived")
	if err != nil {
		writeError(w, err)
		return
	}
	devices, err := s.store.ListDevices(r.Context(), models.DeviceFilter{
		OrganizationID:  scope(auth.Principal(r.Context())),
		IncludeArchived: archived,
		Skip:            skip,
		Limit:           limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.now()
	for _, d := range devices {
		d.WithStatus(now)
	}
	JSONResponse(w, http.StatusOK, devices)
}

func (s *Server) deviceStats(w http.ResponseWriter, r *http.Request) {
	filter := models.DeviceFilter{
		OrganizationID:  scope(auth.Principal(r.Context())),
		IncludeArchived: true,
		Limit:           statsPageSize,
	}
	now := s.now()
	var all []*models.Device
	for {
		batch, err := s.store.ListDevices(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, d := range batch {
			all = append(all, d.WithStatus(now))
		}
		if len(batch) < statsPageSize {
			break
		}
		filter.Skip += statsPageSize
	}
	JSONResponse(w, http.StatusOK, models.Summarize(all))
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var in models.DeviceCreate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.Name, in.Slug = strings.TrimSpace(in.Name), strings.TrimSpace(in.Slug)
	if err := validateDevice(&in.Name, &in.Slug, in.HeartbeatInterval); err != nil {
		writeError(w, err)
		return
	}
	orgID, err := assignOrganization(auth.Principal(r.Context()), in.OrganizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	in.OrganizationID = orgID

	d, err := s.store.CreateDevice(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, d.WithStatus(s.now()))
}

func validateDevice(name, slug *string, heartbeat *int) error {
	if name != nil {
		if err := required("name", *name); err != nil {
			return err
		}
	}
	if slug != nil {
		if err := required("slug", *slug); err != nil {
			return err
		}
	}
	if heartbeat != nil && *heartbeat <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive: %w", models.ErrValidation)
	}
	return nil
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, d)
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	var in models.DeviceUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := validateDevice(in.Name, in.Slug, in.HeartbeatInterval); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.store.UpdateDevice(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, d.WithStatus(s.now()))
}

// archiveDevice soft-deletes: history and tokens stay, ingest stops.
func (s *Server) archiveDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.store.ArchiveDevice(r.Context(), id, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.latest.Forget(r.Context(), id); err != nil {
		log.Warn().Err(err).Int64("device_id", id).Msg("Failed to drop cached readings")
	}
	JSONResponse(w, http.StatusOK, d.WithStatus(s.now()))
}

func (s *Server) restoreDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.store.RestoreDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, d.WithStatus(s.now()))
}

func (s *Server) listDeviceSensors(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	links, err := s.store.ListDeviceSensors(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, links)
}

// DeviceSensorsUpdate replaces the sensor set of a device. SensorIDs is the short form
// without calibration; Sensors wins when both are given.
type DeviceSensorsUpdate struct {
	SensorIDs []int64                   `json:"sensor_ids"`
	Sensors   []models.DeviceSensorLink `json:"sensors"`
}

func (u DeviceSensorsUpdate) links(deviceID int64) ([]models.DeviceSensorLink, error) {
	in := u.Sensors
	if in == nil {
		for _, id := range u.SensorIDs {
			in = append(in, models.DeviceSensorLink{SensorTypeID: id})
		}
	}
	seen := map[int64]bool{}
	out := make([]models.DeviceSensorLink, 0, len(in))
	for _, l := range in {
		if seen[l.SensorTypeID] {
			continue
		}
		seen[l.SensorTypeID] = true
		if l.CalibrationFormula != nil {
			if strings.TrimSpace(*l.CalibrationFormula) == "" {
				l.CalibrationFormula = nil
			} else if err := calibration.Validate(*l.CalibrationFormula); err != nil {
				return nil, fmt.Errorf("%v: %w", err, models.ErrValidation)
			}
		}
		l.DeviceID = deviceID
		out = append(out, l)
	}
	return out, nil
}

func (s *Server) updateDeviceSensors(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	var in DeviceSensorsUpdate
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	links, err := in.links(id)
	if err != nil {
		writeError(w, err)
		return
	}
	change, err := s.store.ReplaceDeviceSensors(r.Context(), id, links)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, change)
}

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := s.store.ListTokens(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, tokens)
}

// TokenCreate is the optional body of a token request.
type TokenCreate struct {
	Label string `json:"label"`
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	var in TokenCreate
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, err)
			return
		}
	}
	label := strings.TrimSpace(in.Label)
	if label == "" {
		label = models.DefaultTokenLabel
	}
	tok, err := s.store.CreateToken(r.Context(), id, label)
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, tok)
}

func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	tokenID, err := pathID(r, "token_id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.RevokeToken(r.Context(), id, tokenID); err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// latestMeasurements serves the newest reading per sensor, from Redis when warm.
func (s *Server) latestMeasurements(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.loadDevice(r.Context(), auth.Principal(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}

	if cached, hit, err := s.latest.Get(r.Context(), id); err == nil && hit {
		JSONResponse(w, http.StatusOK, cached)
		return
	}
	recent, err := s.store.ListMeasurements(r.Context(), models.MeasurementFilter{
		DeviceID: id,
		Limit:    models.MaxMeasurementLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, cache.LatestFromList(recent))
}
