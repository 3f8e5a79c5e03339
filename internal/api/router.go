package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/cache"
	"github.com/ponytojas/go-iot-hub/internal/database"
	"github.com/ponytojas/go-iot-hub/internal/export"
	"github.com/ponytojas/go-iot-hub/internal/ingest"
	"github.com/ponytojas/go-iot-hub/internal/live"
	"github.com/ponytojas/go-iot-hub/internal/metrics"
)

// Prefix is the mount point of the versioned REST API.
const Prefix = "/api/v1"

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store          database.Store
	issuer         *auth.Issuer
	ingestor       *ingest.Ingestor
	hub            *live.Hub
	latest         *cache.Latest
	exporter       *export.Exporter
	allowedOrigins []string
	now            func() time.Time
}

// Options configures NewServer. Latest and Exporter may be nil.
type Options struct {
	Store          database.Store
	Issuer         *auth.Issuer
	Ingestor       *ingest.Ingestor
	Hub            *live.Hub
	Latest         *cache.Latest
	Exporter       *export.Exporter
	AllowedOrigins []string
}

func NewServer(opts Options) *Server {
	return &Server{
		store:          opts.Store,
		issuer:         opts.Issuer,
		ingestor:       opts.Ingestor,
		hub:            opts.Hub,
		latest:         opts.Latest,
		exporter:       opts.Exporter,
		allowedOrigins: opts.AllowedOrigins,
		now:            time.Now,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.MetricsMiddleware)

	authenticate := auth.Authenticate(s.issuer, s.store, writeError)
	upgrade := auth.AuthenticateUpgrade(s.issuer, s.store, writeError)
	superuser := auth.RequireSuperuser(writeError)

	r.HandleFunc("/", s.health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Handle("/ws", upgrade(http.HandlerFunc(s.serveWS))).Methods("GET")

	v1 := r.PathPrefix(Prefix).Subrouter()
	v1.HandleFunc("/login/access-token", s.loginAccessToken).Methods("POST")
	// Devices authenticate with X-Device-Token, users with a bearer token.
	v1.HandleFunc("/measurements/", s.createMeasurement).Methods("POST")

	private := v1.NewRoute().Subrouter()
	private.Use(authenticate)

	private.HandleFunc("/login/me", s.me).Methods("GET")

	orgs := private.PathPrefix("/organizations").Subrouter()
	orgs.Use(superuser)
	orgs.HandleFunc("/", s.listOrganizations).Methods("GET")
	orgs.HandleFunc("/", s.createOrganization).Methods("POST")
	orgs.HandleFunc("/{id:[0-9]+}", s.getOrganization).Methods("GET")
	orgs.HandleFunc("/{id:[0-9]+}", s.updateOrganization).Methods("PUT", "PATCH")
	orgs.HandleFunc("/{id:[0-9]+}", s.deleteOrganization).Methods("DELETE")

	onboarding := private.PathPrefix("/onboarding").Subrouter()
	onboarding.Use(superuser)
	onboarding.HandleFunc("/", s.onboard).Methods("POST")

	private.HandleFunc("/users/", s.listUsers).Methods("GET")
	private.HandleFunc("/users/", s.createUser).Methods("POST")
	private.HandleFunc("/users/{id:[0-9]+}", s.getUser).Methods("GET")

	private.HandleFunc("/devices/", s.listDevices).Methods("GET")
	private.HandleFunc("/devices/", s.createDevice).Methods("POST")
	private.HandleFunc("/devices/stats", s.deviceStats).Methods("GET")
	private.HandleFunc("/devices/{id:[0-9]+}", s.getDevice).Methods("GET")
	private.HandleFunc("/devices/{id:[0-9]+}", s.updateDevice).Methods("PATCH")
	private.HandleFunc("/devices/{id:[0-9]+}", s.archiveDevice).Methods("DELETE")
	private.HandleFunc("/devices/{id:[0-9]+}/restore", s.restoreDevice).Methods("POST")
	private.HandleFunc("/devices/{id:[0-9]+}/sensors", s.listDeviceSensors).Methods("GET")
	private.HandleFunc("/devices/{id:[0-9]+}/sensors", s.updateDeviceSensors).Methods("POST")
	private.HandleFunc("/devices/{id:[0-9]+}/tokens", s.listTokens).Methods("GET")
	private.HandleFunc("/devices/{id:[0-9]+}/tokens", s.createToken).Methods("POST")
	private.HandleFunc("/devices/{id:[0-9]+}/tokens/{token_id:[0-9]+}", s.revokeToken).Methods("DELETE")
	private.HandleFunc("/devices/{id:[0-9]+}/latest", s.latestMeasurements).Methods("GET")

	private.HandleFunc("/sensor-types/", s.listSensorTypes).Methods("GET")
	private.Handle("/sensor-types/", superuser(http.HandlerFunc(s.createSensorType))).Methods("POST")
	private.Handle("/sensor-types/{id:[0-9]+}", superuser(http.HandlerFunc(s.updateSensorType))).Methods("PATCH")

	private.HandleFunc("/measurements/", s.listMeasurements).Methods("GET")
	private.HandleFunc("/measurements/analytics/", s.analytics).Methods("GET")
	private.HandleFunc("/measurements/export", s.exportMeasurements).Methods("POST")

	return cors(s.allowedOrigins)(recoverer(accessLog(r)))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"time":             s.now().UTC(),
		"live_connections": s.hub.Count(),
	})
}
