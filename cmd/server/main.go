package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/npezzotti/go-jamroom/internal/api"
	"github.com/npezzotti/go-jamroom/internal/config"
	"github.com/npezzotti/go-jamroom/internal/room"
	"github.com/npezzotti/go-jamroom/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	adminPassword  string
	roomsFile      string
	snapshotDir    string
	allowedOrigins stringSliceFlag
)

func main() {
	// .env is optional; flags override it
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("JAMROOM_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&adminPassword, "admin-password", os.Getenv("JAMROOM_ADMIN_PASSWORD"), "shared admin secret")
	flag.StringVar(&roomsFile, "rooms-file", os.Getenv("JAMROOM_ROOMS_FILE"), "path to room definitions JSON (built-in world if empty)")
	flag.StringVar(&snapshotDir, "snapshot-dir", envOr("JAMROOM_SNAPSHOT_DIR", "snapshots"), "directory for room state snapshots")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[go-jamroom] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, adminPassword, allowedOrigins, roomsFile, snapshotDir)
	if err != nil {
		logger.Fatal("config:", err)
	}

	roomCfgs := config.DefaultRooms()
	if cfg.RoomsFile != "" {
		roomCfgs, err = config.LoadRooms(cfg.RoomsFile)
		if err != nil {
			logger.Fatal("load rooms:", err)
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	world, err := room.NewWorld(cfg, roomCfgs, logger, statsUpdater)
	if err != nil {
		logger.Fatal("new world:", err)
	}

	srv := api.NewJamServer(mux, logger, world, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	world.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down world...")
	if err := world.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("world shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
