package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"sqrl-client/go-core/internal/config"
	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/identity"
	"sqrl-client/go-core/internal/metrics"
	"sqrl-client/go-core/internal/platform/privacylog"
	"sqrl-client/go-core/internal/securestore"
	"sqrl-client/go-core/internal/storage"
)

// cliEnv carries the streams and the lazily opened runtime for one
// invocation.
type cliEnv struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	flags  *globalFlags

	lines *bufio.Scanner
}

// runtime is everything a command needs once configuration is loaded.
type runtime struct {
	env      *cliEnv
	cfg      config.Config
	logger   *slog.Logger
	db       *storage.DB
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	engine   *crypto.Engine
}

func (e *cliEnv) open() (*runtime, error) {
	cfg, err := config.LoadFromPath(e.flags.configPath)
	if err != nil {
		return nil, err
	}
	if e.flags.dbPath != "" {
		cfg.Storage.Path = e.flags.dbPath
	}
	logger := newLogger(e.errOut, cfg.Log)

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	return &runtime{
		env:      e,
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		metrics:  collectors,
		engine:   crypto.NewEngine(crypto.WithLogger(logger), crypto.WithMetrics(collectors)),
	}, nil
}

// close flushes metrics to the configured textfile and closes the database.
func (rt *runtime) close() {
	if path := rt.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, rt.registry); err != nil {
			rt.logger.Warn("metrics textfile not written", "component", "cli", "error", err)
		}
	}
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("database close failed", "component", "cli", "error", err)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(privacylog.Wrap(handler))
}

// newManager builds an identity manager whose cached secrets live under id
// in the database. An empty id disables the QuickPass cache.
func (rt *runtime) newManager(id string) *identity.Manager {
	opts := []identity.Option{
		identity.WithEngine(rt.engine),
		identity.WithLogger(rt.logger),
		identity.WithMetrics(rt.metrics),
		identity.WithLogN(rt.cfg.KDF.LogN),
		identity.WithRescueTime(rt.cfg.KDF.RescueTime()),
		identity.WithPasswordDefaults(rt.cfg.Identity.HintLength, rt.cfg.Identity.IdleTimeoutMinutes, uint8(min(rt.cfg.KDF.PasswordSeconds, 255))),
		identity.WithQuickPass(rt.cfg.Identity.QuickPass && id != "", rt.cfg.KDF.QuickPassTime()),
	}
	if id != "" {
		opts = append(opts, identity.WithSecretStore(rt.db.SecretsFor(id)))
	}
	if phrase := strings.TrimSpace(os.Getenv("SQRL_WRAP_PASSPHRASE")); phrase != "" {
		if wrapper, err := securestore.NewPassphraseWrapper(phrase); err == nil {
			opts = append(opts, identity.WithKeyWrapper(wrapper))
		}
	}
	return identity.NewManager(opts...)
}

// record resolves --identity or the current identity.
func (rt *runtime) record() (storage.Record, error) {
	if id := strings.TrimSpace(rt.env.flags.identityID); id != "" {
		return rt.db.Identity(id)
	}
	return rt.db.Current()
}

// loadRecord returns the record and a manager with its container loaded.
func (rt *runtime) loadRecord() (storage.Record, *identity.Manager, error) {
	rec, err := rt.record()
	if err != nil {
		return storage.Record{}, nil, err
	}
	m := rt.newManager(rec.ID)
	if err := m.Load(rec.Data); err != nil {
		return storage.Record{}, nil, err
	}
	return rec, m, nil
}

func (rt *runtime) progress() crypto.ProgressSink {
	if !rt.env.flags.progress {
		return nil
	}
	return &textProgress{w: rt.env.errOut}
}

// secret reads the named value from envKey or the next stdin line.
func (e *cliEnv) secret(prompt, envKey string) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	if e.lines == nil {
		e.lines = bufio.NewScanner(e.in)
	}
	fmt.Fprintf(e.errOut, "%s: ", prompt)
	if !e.lines.Scan() {
		fmt.Fprintln(e.errOut)
		if err := e.lines.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s not provided", errUsage, strings.ToLower(prompt))
	}
	fmt.Fprintln(e.errOut)
	return strings.TrimRight(e.lines.Text(), "\r"), nil
}

func (e *cliEnv) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// textProgress prints one line per state and percentage milestones.
type textProgress struct {
	w     io.Writer
	max   int
	state crypto.ProgressState
	last  int
}

func (p *textProgress) State(s crypto.ProgressState) {
	p.state, p.last = s, -1
	fmt.Fprintf(p.w, "%s\n", s)
}

func (p *textProgress) Max(n int) { p.max = n }

func (p *textProgress) Progress(n int) {
	if p.max <= 0 {
		return
	}
	pct := n * 100 / p.max
	if pct/25 == p.last/25 && pct != 100 {
		return
	}
	p.last = pct
	fmt.Fprintf(p.w, "  %s %d%%\n", p.state, pct)
}
