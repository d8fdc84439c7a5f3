package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/livelist/internal/api"
	"github.com/manpreetbhatti/livelist/internal/auth"
	"github.com/manpreetbhatti/livelist/internal/config"
	"github.com/manpreetbhatti/livelist/internal/engine"
	"github.com/manpreetbhatti/livelist/internal/eviction"
	"github.com/manpreetbhatti/livelist/internal/history"
	"github.com/manpreetbhatti/livelist/internal/merge"
	"github.com/manpreetbhatti/livelist/internal/metrics"
	"github.com/manpreetbhatti/livelist/internal/storage"
	"github.com/manpreetbhatti/livelist/internal/ws"
)

func main() {
	// A missing .env is fine; the environment may be set another way.
	_ = godotenv.Load()

	cfg, err := config.Parse(os.Args[1:])
	if flags.WroteHelp(err) {
		os.Exit(0)
	} else if err != nil {
		os.Exit(1)
	}
	config.InitLog(cfg.Log)

	if err := run(cfg); err != nil {
		log.WithField("err", err).Fatal("server failed")
	}
}

func run(cfg *config.Config) error {
	blobs, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	repo := storage.NewRepository(blobs)
	defer repo.Close()

	e := engine.New(repo, engine.Config{
		WriteDelay: cfg.Sync.WriteDelay,
		History: history.Config{
			Capacity:    cfg.Sync.HistoryCapacity,
			MinInterval: cfg.Sync.HistoryInterval,
		},
		NewDocument: merge.NewAutomerge,
	})
	report, err := e.Reconcile(context.Background())
	if err != nil {
		return errors.WithMessage(err, "reconciling index")
	}
	log.WithFields(log.Fields{
		"loaded":     report.Loaded,
		"discovered": len(report.Discovered),
		"removed":    len(report.Removed),
		"skipped":    len(report.Skipped),
	}).Info("index reconciled")

	users, err := auth.LoadUsers(afero.NewOsFs(), cfg.Auth.UsersFile)
	if err != nil {
		return err
	}
	secret := cfg.Auth.Secret
	if secret == "" {
		if secret, err = randomSecret(); err != nil {
			return err
		}
		log.Warn("no session secret configured; sessions end when the server restarts")
	}
	sessions := auth.NewSessions(secret, cfg.Auth.SessionTTL, nil)

	a := api.New(e, users, sessions, api.Config{
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		SecureCookies: cfg.HTTP.SecureCookies,
	})
	defer a.Close()

	sweeper := eviction.New(e, eviction.Config{
		Interval:    cfg.Sync.EvictInterval,
		IdleTimeout: cfg.Sync.IdleTimeout,
	}, nil)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(ws.NewServer(e, auth.IsAdmin), metrics.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(log.Fields{
			"addr":    cfg.HTTP.Addr,
			"storage": cfg.Storage.Backend,
		}).Info("livelist server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start()
		<-ctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Websocket connections are hijacked, so Shutdown leaves them to us.
		e.Shutdown()
		log.Info("pending writes flushed")
		return err
	})
	return g.Wait()
}

func openStorage(cfg config.StorageConfig) (storage.Blobs, error) {
	if cfg.Backend == "sqlite" {
		db, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, errors.WithMessage(err, "opening sqlite storage")
		}
		return db, nil
	}
	fs, err := storage.NewFS(afero.NewOsFs(), cfg.Dir)
	if err != nil {
		return nil, errors.WithMessage(err, "opening fs storage")
	}
	return fs, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.WithMessage(err, "generating session secret")
	}
	return hex.EncodeToString(b), nil
}
