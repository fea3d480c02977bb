// Package crypto implements the key derivation and authenticated encryption
// used by identity containers: EnScrypt, EnHash, AES-256-GCM with detached
// tags, and the Curve25519/Ed25519 helpers built on them.
package crypto

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/scrypt"

	"sqrl-client/go-core/internal/metrics"
)

const (
	KeySize  = 32
	IVSize   = 12
	TagSize  = 16
	SaltSize = 16

	scryptR = 256
	scryptP = 1

	MinLogN = 1
	MaxLogN = 20

	timedProgressMax = 100
)

var (
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
	ErrInvalidKeyLength     = errors.New("crypto: invalid key length")
	ErrInvalidIVLength      = errors.New("crypto: invalid iv length")
	ErrInvalidCost          = errors.New("crypto: invalid kdf cost")
)

// Engine runs EnScrypt. The scrypt work is synchronous and cannot be
// interrupted once started; callers wanting cancellation run it in a
// goroutine and discard the result.
type Engine struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collectors
}

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(c *metrics.Collectors) EngineOption {
	return func(e *Engine) {
		e.metrics = c
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func NewEngineWithClock(now func() time.Time) *Engine {
	return NewEngine(WithClock(now))
}

// DeriveTimed runs EnScrypt until target has elapsed, always completing at
// least one iteration. It returns the accumulated key and the iteration
// count achieved; replaying that count through DeriveIterations reproduces
// the key.
func (e *Engine) DeriveTimed(secret, salt []byte, logN uint8, target time.Duration, sink ProgressSink) (*Secret, uint32, error) {
	n, err := costFactor(logN)
	if err != nil {
		return nil, 0, err
	}
	sink = sinkOrNop(sink)
	sink.Max(timedProgressMax)
	ticks := &monotonic{sink: sink}

	start := e.now()
	acc := NewSecret(KeySize)
	var iterations uint32
	var prev []byte
	for {
		roundSalt := salt
		if prev != nil {
			roundSalt = prev
		}
		out, err := scrypt.Key(secret, roundSalt, n, scryptR, scryptP, KeySize)
		Wipe(prev)
		if err != nil {
			acc.Wipe()
			return nil, 0, fmt.Errorf("enscrypt: %w", err)
		}
		xorInto(acc.b, out)
		prev = out
		iterations++

		elapsed := e.now().Sub(start)
		if target > 0 {
			ticks.tick(min(timedProgressMax, int(elapsed*timedProgressMax/target)))
		}
		if elapsed >= target {
			break
		}
	}
	Wipe(prev)
	ticks.tick(timedProgressMax)

	duration := e.now().Sub(start)
	e.metrics.ObserveKDF("timed", iterations, duration)
	e.logger.Debug("enscrypt finished",
		slog.String("component", "crypto"),
		slog.String("operation", "derive_timed"),
		slog.Int("log_n", int(logN)),
		slog.Uint64("iterations", uint64(iterations)),
		slog.Duration("elapsed", duration),
	)
	return acc, iterations, nil
}

// DeriveIterations runs exactly iterations rounds of EnScrypt.
func (e *Engine) DeriveIterations(secret, salt []byte, logN uint8, iterations uint32, sink ProgressSink) (*Secret, error) {
	n, err := costFactor(logN)
	if err != nil {
		return nil, err
	}
	if iterations == 0 {
		return nil, fmt.Errorf("%w: zero iterations", ErrInvalidCost)
	}
	sink = sinkOrNop(sink)
	sink.Max(int(iterations))
	ticks := &monotonic{sink: sink}

	start := e.now()
	acc := NewSecret(KeySize)
	var prev []byte
	for i := uint32(0); i < iterations; i++ {
		roundSalt := salt
		if prev != nil {
			roundSalt = prev
		}
		out, err := scrypt.Key(secret, roundSalt, n, scryptR, scryptP, KeySize)
		Wipe(prev)
		if err != nil {
			acc.Wipe()
			return nil, fmt.Errorf("enscrypt: %w", err)
		}
		xorInto(acc.b, out)
		prev = out
		ticks.tick(int(i + 1))
	}
	Wipe(prev)

	duration := e.now().Sub(start)
	e.metrics.ObserveKDF("iterations", iterations, duration)
	e.logger.Debug("enscrypt finished",
		slog.String("component", "crypto"),
		slog.String("operation", "derive_iterations"),
		slog.Int("log_n", int(logN)),
		slog.Uint64("iterations", uint64(iterations)),
		slog.Duration("elapsed", duration),
	)
	return acc, nil
}

func costFactor(logN uint8) (int, error) {
	if logN < MinLogN || logN > MaxLogN {
		return 0, fmt.Errorf("%w: logN %d", ErrInvalidCost, logN)
	}
	return 1 << logN, nil
}
