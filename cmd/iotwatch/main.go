// Command iotwatch follows the live readings of one device from a running hub.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/client"
	"github.com/ponytojas/go-iot-hub/internal/logging"
	"github.com/ponytojas/go-iot-hub/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		cfg = config.GetDefaultConfig()
	}

	baseURL := flag.String("url", "http://localhost:8000", "hub base URL")
	username := flag.String("user", cfg.Seed.SuperuserUsername, "login username or email")
	password := flag.String("password", os.Getenv("IOTWATCH_PASSWORD"), "login password (or IOTWATCH_PASSWORD)")
	deviceID := flag.Int64("device", 0, "device id to follow")
	poll := flag.Duration("poll", cfg.Live.PollInterval, "poll interval")
	points := flag.Int("points", cfg.Live.WindowSize, "readings kept per sensor")
	age := flag.Duration("age", cfg.Live.WindowAge, "oldest reading kept, relative to the newest")
	flag.Parse()

	logging.Setup(cfg.Log)
	if *deviceID <= 0 {
		log.Fatal().Msg("-device is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := client.New(*baseURL)
	if err := hub.Login(ctx, *username, *password); err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}
	device, err := hub.GetDevice(ctx, *deviceID)
	if err != nil {
		log.Fatal().Err(err).Int64("device_id", *deviceID).Msg("Failed to load device")
	}

	names := map[int64]string{}
	if types, err := hub.ListSensorTypes(ctx); err == nil {
		for _, st := range types {
			names[st.ID] = st.Name + " (" + st.Unit + ")"
		}
	}
	log.Info().Str("device", device.Name).Str("status", device.Status).Msg("Following device")

	window := telemetry.NewWindow(*points, *age)
	syncer := telemetry.NewSyncer(hub, window, device.ID, *poll)
	syncer.Sensors(len(names))
	syncer.OnUpdate(func(added int) {
		snap := window.Snapshot()
		sensors := make([]int64, 0, len(snap))
		for id := range snap {
			sensors = append(sensors, id)
		}
		sort.Slice(sensors, func(i, j int) bool { return sensors[i] < sensors[j] })

		for _, id := range sensors {
			latest, ok := window.Latest(id)
			if !ok {
				continue
			}
			name := names[id]
			if name == "" {
				name = "sensor"
			}
			log.Info().
				Int64("sensor_type_id", id).
				Str("sensor", name).
				Float64("value", latest.Value).
				Float64("raw", latest.RawValue).
				Time("at", latest.CreatedAt).
				Int("points", len(snap[id])).
				Int("new", added).
				Msg("Reading")
		}
	})

	if err := syncer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Sync stopped")
	}
	log.Info().Int("points", window.Len()).Msg("Stopped")
}
