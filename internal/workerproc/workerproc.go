// Package workerproc assembles one request-worker process: it publishes
// this process's pid so the DCP can learn the worker roster, attaches the
// worker-side cache client, wires the embedding orchestrator and HTTP
// handler, and serves on an inherited pre-bound listener. net/http runs one
// goroutine per accepted connection, all sharing the one cache client,
// which serializes its shared-memory slot claims internally.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vecthash/embedcache/internal/catalog"
	"github.com/vecthash/embedcache/internal/httpapi"
	"github.com/vecthash/embedcache/internal/layout"
	"github.com/vecthash/embedcache/internal/supervisor"
	"github.com/vecthash/embedcache/pkg/blobstore"
	"github.com/vecthash/embedcache/pkg/cacheclient"
	"github.com/vecthash/embedcache/pkg/embedsvc"
	"github.com/vecthash/embedcache/pkg/index"
	"github.com/vecthash/embedcache/pkg/index/sqliteindex"
	"github.com/vecthash/embedcache/pkg/shmregion"
)

// Config configures one worker process.
type Config struct {
	DataDir      string
	ShmDir       string
	DefaultModel string
	DBType       string // index.BackendLevelDB or index.BackendSQLite
	CORSOrigins  []string

	ShutdownTimeout time.Duration
}

// RunProcess runs a single worker end to end: publish identity, attach to
// the DCP's shared-memory channel, serve HTTP requests on listener until
// ctx is cancelled.
func RunProcess(ctx context.Context, listener net.Listener, cfg Config, cat *catalog.Catalog, log zerolog.Logger) error {
	pid := os.Getpid()

	if cfg.ShmDir == "" {
		cfg.ShmDir = shmregion.DefaultDir()
	}

	if err := supervisor.PublishWorkerIdentity(pid); err != nil {
		return fmt.Errorf("workerproc: publish identity: %w", err)
	}

	var readStore index.Store

	if cfg.DBType == index.BackendSQLite {
		ro, err := sqliteindex.OpenReadOnly(ctx, layout.IndexPath(cfg.DataDir, cfg.DefaultModel, ".db"))
		if err != nil {
			return fmt.Errorf("workerproc: open read-only index: %w", err)
		}
		defer ro.Close()

		readStore = ro
	}

	client, err := cacheclient.Attach(ctx, cfg.ShmDir, pid, readStore)
	if err != nil {
		return fmt.Errorf("workerproc: attach cache client: %w", err)
	}
	defer client.Close()

	blobs := blobstore.New(cfg.DataDir)

	// A real encoder binding would eagerly load these models here; the
	// deterministic encoder has nothing to warm up, so the roster is just
	// logged for operators.
	encoder := catalog.NewDeterministicEncoder(cat)
	log.Info().Strs("models", cat.AutoloadNames()).Msg("workerproc: autoload models ready")

	svc := embedsvc.New(client, blobs, encoder, log)

	handler := withCORS(cfg.CORSOrigins, httpapi.New(svc, cat, cfg.DefaultModel, log))

	server := &http.Server{Handler: handler}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownTimeout := cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("workerproc: shutdown: %w", err)
		}

		return nil

	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("workerproc: serve: %w", err)
	}
}

// withCORS wraps handler with the CORS headers configured via
// `--cors-origin` (default `*`).
func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		allowed := ""

		for _, o := range origins {
			if o == "*" {
				allowed = "*"
				break
			}

			if o == origin {
				allowed = origin
				break
			}
		}

		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
