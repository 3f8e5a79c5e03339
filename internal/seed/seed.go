// Package seed creates the data a fresh installation needs to be usable.
package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/models"
)

// Store is what seeding reads and writes.
type Store interface {
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
	ListSensorTypes(ctx context.Context, skip, limit int) ([]*models.SensorType, error)
	CreateSensorType(ctx context.Context, in models.SensorTypeCreate) (*models.SensorType, error)
}

// DefaultSensorTypes are created when missing so devices can report out of the box.
var DefaultSensorTypes = []models.SensorTypeCreate{
	{Name: "Temperatura", Unit: "°C"},
	{Name: "Umidade", Unit: "%"},
}

// Run creates the first superuser and the default sensor types. It is idempotent.
func Run(ctx context.Context, store Store, cfg config.SeedConfig) error {
	if err := superuser(ctx, store, cfg.SuperuserUsername, cfg.SuperuserPassword); err != nil {
		return err
	}
	if !cfg.SensorTypes {
		return nil
	}
	return sensorTypes(ctx, store)
}

func superuser(ctx context.Context, store Store, username, password string) error {
	if username == "" {
		return nil
	}
	_, err := store.GetUserByLogin(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to look up superuser: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u := &models.User{
		Username:       username,
		HashedPassword: hash,
		IsActive:       true,
		IsSuperuser:    true,
	}
	if _, err := store.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("failed to create superuser: %w", err)
	}
	log.Info().Str("username", username).Msg("Created initial superuser")
	return nil
}

func sensorTypes(ctx context.Context, store Store) error {
	existing, err := store.ListSensorTypes(ctx, 0, 1000)
	if err != nil {
		return fmt.Errorf("failed to list sensor types: %w", err)
	}
	have := map[string]bool{}
	for _, st := range existing {
		have[st.Name] = true
	}
	for _, st := range DefaultSensorTypes {
		if have[st.Name] {
			continue
		}
		if _, err := store.CreateSensorType(ctx, st); err != nil && !errors.Is(err, models.ErrConflict) {
			return fmt.Errorf("failed to create sensor type %s: %w", st.Name, err)
		}
		log.Info().Str("name", st.Name).Str("unit", st.Unit).Msg("Created default sensor type")
	}
	return nil
}
