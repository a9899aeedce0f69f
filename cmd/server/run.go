package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Brownie44l1/ranjana-api/internal/config"
	"github.com/Brownie44l1/ranjana-api/internal/handlers"
	"github.com/Brownie44l1/ranjana-api/internal/inference"
	"github.com/Brownie44l1/ranjana-api/internal/model"
	"github.com/Brownie44l1/ranjana-api/internal/references"
	"github.com/Brownie44l1/ranjana-api/internal/render"
	"github.com/Brownie44l1/ranjana-api/internal/server"
	"github.com/Brownie44l1/ranjana-api/internal/spool"
	"github.com/Brownie44l1/ranjana-api/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

// run is the entrypoint for the ranjana server
func run(ctx context.Context) {
	cfg := loadConfig()

	handleCLIOptions(cfg)

	log.Infof("Starting ranjana server version %s", config.VersionString)

	svc, closeSvc, err := newService(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeSvc()

	if cfg.Model.Eager {
		if err := svc.Warm(ctx); err != nil {
			log.Fatalf("Failed to load models: %v", err)
		}
	}

	var queue handlers.Queue
	if cfg.Tasks.Enabled {
		q, err := newQueue(cfg, svc)
		if err != nil {
			log.Fatal(err)
		}
		defer q.Close()
		go func() {
			if err := q.Run(ctx); err != nil {
				log.Errorf("task router stopped: %v", err)
			}
		}()
		queue = q
	}

	srv := server.Create(cfg, handlers.NewHandler(svc, queue, cfg.Server.MaxUploadBytes))
	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Error shutting down server: %v", err)
		}
	}()

	log.Infof("Listening on: %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		log.Fatalf("Error configuring ranjana: %s", err)
	}
	config.SetLogLevel(cfg)
	return cfg
}

// handleCLIOptions handles CLI options that don't require the server to run
func handleCLIOptions(cfg *config.Config) {
	if showVersion {
		fmt.Println(config.VersionString)
		os.Exit(0)
	}
	if generateKey {
		if cfg.Auth.Secret == "" {
			log.Fatal("auth.secret must be set to generate a token")
		}
		token, err := server.GenerateJWT(cfg.Auth.Secret, "")
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		os.Exit(0)
	}
}

// newService builds the inference service and returns a func releasing the
// networks and the embedding cache.
func newService(cfg *config.Config) (*inference.Service, func(), error) {
	cmap, err := render.ColormapByName(cfg.Render.Colormap)
	if err != nil {
		return nil, nil, err
	}

	var cache *references.Cache
	if cfg.References.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.References.CachePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		if cache, err = references.OpenCache(cfg.References.CachePath); err != nil {
			return nil, nil, err
		}
		log.Infof("Using reference embedding cache at %s", cfg.References.CachePath)
	}

	svc := inference.NewService(inference.Options{
		ModelDir:       cfg.Model.Dir,
		ClassifierFile: cfg.Model.Classifier,
		SiameseGlob:    cfg.Model.SiameseGlob,
		ONNX:           model.ONNXOptions{SharedLibraryPath: cfg.Model.OnnxLibrary},
		References:     references.NewStore(cfg.References.Dir),
		Cache:          cache,
		Colormap:       cmap,
		Alpha:          cfg.Render.Alpha,
		MaxPixels:      cfg.Server.MaxPixels,
	})

	closeFn := func() {
		if err := svc.Close(); err != nil {
			log.Errorf("Error closing models: %v", err)
		}
		if cache != nil {
			if err := cache.Close(); err != nil {
				log.Errorf("Error closing embedding cache: %v", err)
			}
		}
	}
	return svc, closeFn, nil
}

func newQueue(cfg *config.Config, svc tasks.Inferencer) (*tasks.Queue, error) {
	dir, err := spool.New(cfg.Spool.Dir, cfg.Server.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	log.Infof("Spooling task uploads in %s", dir.Root())
	return tasks.NewQueue(svc, dir, tasks.Options{
		MaxRetries: cfg.Tasks.MaxRetries,
		Backoff:    cfg.Tasks.Backoff,
		ResultTTL:  cfg.Tasks.ResultTTL,
	})
}
