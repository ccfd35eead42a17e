// Package main provides embedcached, the embedding cache service: a
// supervisor binary that re-execs itself to run the Database Commit
// Process and N request workers.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/vecthash/embedcache/internal/applog"
	"github.com/vecthash/embedcache/internal/catalog"
	"github.com/vecthash/embedcache/internal/dcp"
	"github.com/vecthash/embedcache/internal/supervisor"
	"github.com/vecthash/embedcache/internal/workerproc"
	"github.com/vecthash/embedcache/pkg/index"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cliConfig holds every flag accepted by the service. It is parsed once
// regardless of role, so the supervisor can forward the exact same flag set
// down to its dcp/worker children.
type cliConfig struct {
	role string

	dataDir    string
	host       string
	port       int
	logLevel   string
	model      string
	dbType     string
	workers    int
	corsOrigin []string

	logFormat        string
	shmDir           string
	dcpFlushInterval time.Duration
	dcpFd            int
	listenFd         int
}

func parseFlags(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("embedcached", flag.ContinueOnError)

	var cfg cliConfig

	fs.StringVar(&cfg.role, "role", "supervisor", "process role: supervisor|dcp|worker (internal)")
	fs.StringVar(&cfg.dataDir, "data-dir", "./data", "root directory for blob files and index databases")
	fs.StringVar(&cfg.host, "host", "127.0.0.1", "HTTP listen host")
	fs.IntVar(&cfg.port, "port", 8080, "HTTP listen port")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "debug|info|warning|error|critical")
	fs.StringVar(&cfg.model, "model", "", "default model name")
	fs.StringVar(&cfg.dbType, "db-type", index.BackendLevelDB, "leveldb|sqlite")
	fs.IntVar(&cfg.workers, "workers", 4, "number of request-worker processes")
	fs.StringArrayVar(&cfg.corsOrigin, "cors-origin", []string{"*"}, "allowed CORS origin (repeatable)")

	fs.StringVar(&cfg.logFormat, "log-format", "console", "console|json")
	fs.StringVar(&cfg.shmDir, "shm-dir", "", "shared-memory directory (default: auto-detect)")
	fs.DurationVar(&cfg.dcpFlushInterval, "dcp-flush-interval", 2*time.Second, "time-based index flush interval")
	fs.IntVar(&cfg.dcpFd, "dcp-fd", -1, "inherited readiness-pipe fd (internal, --role=dcp only)")
	fs.IntVar(&cfg.listenFd, "listen-fd", -1, "inherited listener fd (internal, --role=worker only)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	return cfg, nil
}

// extraArgs reconstructs the flag set minus --role/--dcp-fd/--listen-fd, for
// forwarding from the supervisor down to its children.
func (c cliConfig) extraArgs() []string {
	args := []string{
		"--data-dir=" + c.dataDir,
		"--host=" + c.host,
		"--port=" + strconv.Itoa(c.port),
		"--log-level=" + c.logLevel,
		"--model=" + c.model,
		"--db-type=" + c.dbType,
		"--workers=" + strconv.Itoa(c.workers),
		"--log-format=" + c.logFormat,
		"--shm-dir=" + c.shmDir,
		"--dcp-flush-interval=" + c.dcpFlushInterval.String(),
	}

	for _, o := range c.corsOrigin {
		args = append(args, "--cors-origin="+o)
	}

	return args
}

func run(ctx context.Context, args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	log := applog.New(cfg.role, applog.Format(cfg.logFormat), cfg.logLevel)

	switch cfg.role {
	case "dcp":
		return runDCP(ctx, cfg, log)
	case "worker":
		cat, err := loadCatalog(log)
		if err != nil {
			return err
		}

		return runWorker(ctx, cfg, cat, log)
	default:
		return runSupervisor(ctx, cfg, log)
	}
}

// loadCatalog reads models.txt from the working directory. A
// missing catalog file is not an error -- it just means no model is
// registered yet.
func loadCatalog(log zerolog.Logger) (*catalog.Catalog, error) {
	f, err := os.Open("models.txt")
	if os.IsNotExist(err) {
		return catalog.Parse(&emptyReader{}, log)
	}

	if err != nil {
		return nil, fmt.Errorf("open models.txt: %w", err)
	}
	defer f.Close()

	return catalog.Parse(f, log)
}

type emptyReader struct{}

func (*emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func runSupervisor(ctx context.Context, cfg cliConfig, log zerolog.Logger) error {
	return supervisor.Run(ctx, supervisor.Config{
		Host:        cfg.host,
		Port:        cfg.port,
		WorkerCount: cfg.workers,
		ExtraArgs:   cfg.extraArgs(),
	}, log)
}

func runDCP(ctx context.Context, cfg cliConfig, log zerolog.Logger) error {
	dcpCfg := dcp.ProcessConfig{
		Config:      dcp.DefaultConfig(),
		DataDir:     cfg.dataDir,
		ModelName:   cfg.model,
		DBType:      cfg.dbType,
		FlushEvery:  64,
		WorkerCount: cfg.workers,

		FlushInterval: cfg.dcpFlushInterval,

		RosterTimeout:      20 * time.Second,
		RosterPollInterval: 50 * time.Millisecond,
	}

	if cfg.shmDir != "" {
		dcpCfg.ShmDir = cfg.shmDir
	}

	if cfg.dcpFd >= 0 {
		fd := uintptr(cfg.dcpFd)
		dcpCfg.OnReady = func() error { return supervisor.ReportReady(fd) }
	}

	return dcp.RunProcess(ctx, dcpCfg, log)
}

func runWorker(ctx context.Context, cfg cliConfig, cat *catalog.Catalog, log zerolog.Logger) error {
	if cfg.listenFd < 0 {
		return fmt.Errorf("--role=worker requires --listen-fd")
	}

	listener, err := net.FileListener(os.NewFile(uintptr(cfg.listenFd), "listen-fd"))
	if err != nil {
		return fmt.Errorf("adopt inherited listener: %w", err)
	}

	wcfg := workerproc.Config{
		DataDir:      cfg.dataDir,
		ShmDir:       cfg.shmDir,
		DefaultModel: cfg.model,
		DBType:       cfg.dbType,
		CORSOrigins:  cfg.corsOrigin,
	}

	return workerproc.RunProcess(ctx, listener, wcfg, cat, log)
}
