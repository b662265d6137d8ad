// tablysim runs the in-memory backend simulator with a seeded demo tenant,
// so the SDK and the tably CLI have something to talk to locally.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tably-dev/tably-go/internal/config"
	"github.com/tably-dev/tably-go/internal/models"
	"github.com/tably-dev/tably-go/internal/observ"
	"github.com/tably-dev/tably-go/internal/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	srv := sim.New(sim.Config{JWTSecret: cfg.JWTSecret}, logger)

	// Demo tenant: restaurant "mario" with a few tables and two staff
	// logins. TENANT=mario on the client side matches this seed.
	srv.SeedTenant("mario", []models.Table{
		{ID: "t-1", Name: "Patio 1", Number: 1},
		{ID: "t-2", Name: "Patio 2", Number: 2},
		{ID: "t-3", Name: "Window 3", Number: 3},
	})
	if err := srv.SeedUser("mario", models.User{
		ID:          "u-anna",
		Identifier:  "anna",
		DisplayName: "Anna",
		Role:        "waiter",
	}, "waiter-demo"); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if err := srv.SeedUser("mario", models.User{
		ID:          "u-root",
		Identifier:  "root",
		DisplayName: "Root",
		Role:        models.RoleSuperadmin,
	}, "root-demo"); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	logger.Info("simulator seeded",
		zap.String("tenant", "mario"),
		zap.Int("tables", 3),
	)
	return srv.Run(":" + cfg.Port)
}
