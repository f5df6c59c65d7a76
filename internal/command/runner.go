// Package command runs shell commands submitted by clients and stores the
// reply of the most recent one.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/jpalmerr/pulsequery/internal/metrics"
	"github.com/jpalmerr/pulsequery/query"
)

var (
	ErrCommandsDisabled = errors.New("command execution is disabled")
	ErrBusy             = errors.New("too many commands running")
	ErrEmptyCommand     = errors.New("command is empty")
	ErrClosed           = errors.New("command runner closed")
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxOutput      = 64 * 1024
	DefaultMaxConcurrency = 2

	truncatedMarker = "\n[output truncated]"
)

// ReplyStore keeps the reply of the most recent command.
type ReplyStore interface {
	PutReply(ctx context.Context, r query.Reply) (bool, error)
	LastReply(ctx context.Context) (query.Reply, error)
}

// Config controls command execution.
type Config struct {
	Enabled        bool
	Timeout        time.Duration
	MaxOutput      int
	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = DefaultMaxOutput
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	return c
}

// Runner executes commands with `sh -c` on a bounded pool.
//
// Every accepted submission gets a sequence number larger than any before
// it. Replies are stored with that number, and the store only accepts a
// reply newer than the one it holds, so a slow command finishing after a
// later one never overwrites it.
type Runner struct {
	cfg    Config
	store  ReplyStore
	logger *slog.Logger
	pool   *ants.Pool
	seq    atomic.Uint64
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewRunner creates a runner. When cfg.Enabled is false the runner rejects
// every submission with [ErrCommandsDisabled] and starts no pool.
//
// Sequence numbers continue from the stored reply, so a durable store
// keeps accepting replies after a restart.
func NewRunner(ctx context.Context, cfg Config, st ReplyStore, logger *slog.Logger) (*Runner, error) {
	cfg = cfg.withDefaults()
	r := &Runner{
		cfg:    cfg,
		store:  st,
		logger: logger,
		now:    time.Now,
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if !cfg.Enabled {
		return r, nil
	}

	if last, err := st.LastReply(ctx); err == nil {
		r.seq.Store(last.Seq)
	}

	pool, err := ants.NewPool(cfg.MaxConcurrency,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			logger.Error("command handler panic", "panic", fmt.Sprintf("%v", v))
		}),
	)
	if err != nil {
		r.cancel()
		return nil, fmt.Errorf("create command pool: %w", err)
	}
	r.pool = pool
	return r, nil
}

// Enabled reports whether commands can be submitted.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled
}

// Submit starts command in the background and returns its sequence number.
//
// The reply is written to the store when the command finishes. Submit
// fails with [ErrBusy] when every pool worker is occupied.
func (r *Runner) Submit(command string) (uint64, error) {
	if !r.cfg.Enabled {
		metrics.Commands.WithLabelValues("rejected").Inc()
		return 0, ErrCommandsDisabled
	}
	if strings.TrimSpace(command) == "" {
		return 0, ErrEmptyCommand
	}

	seq := r.seq.Add(1)
	r.wg.Add(1)
	err := r.pool.Submit(func() {
		defer r.wg.Done()
		r.runAndStore(seq, command)
	})
	if err != nil {
		r.wg.Done()
		metrics.Commands.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			return 0, ErrBusy
		case errors.Is(err, ants.ErrPoolClosed):
			return 0, ErrClosed
		default:
			return 0, fmt.Errorf("submit command: %w", err)
		}
	}

	r.logger.Info("command accepted", "seq", seq, "command", command)
	return seq, nil
}

func (r *Runner) runAndStore(seq uint64, command string) {
	reply := r.Run(r.ctx, command)
	reply.Seq = seq

	status := "ok"
	if reply.Failed {
		status = "failed"
	}
	metrics.Commands.WithLabelValues(status).Inc()

	// store with a fresh context so replies of commands cut short by
	// shutdown are still recorded
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()

	stored, err := r.store.PutReply(storeCtx, reply)
	switch {
	case err != nil:
		r.logger.Error("storing command reply failed", "seq", seq, "error", err)
	case !stored:
		r.logger.Debug("command reply superseded", "seq", seq)
	default:
		r.logger.Info("command finished",
			"seq", seq,
			"exit_code", reply.ExitCode,
			"failed", reply.Failed,
			"duration_ms", reply.FinishedAt.Sub(reply.StartedAt).Milliseconds(),
		)
	}
}

// Run executes command synchronously and returns its reply without a
// sequence number.
//
// The reply output is stdout, or stderr when stdout is empty, capped at the
// configured size.
func (r *Runner) Run(ctx context.Context, command string) query.Reply {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	stdout := &cappedBuffer{limit: r.cfg.MaxOutput}
	stderr := &cappedBuffer{limit: r.cfg.MaxOutput}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// children that inherit the pipes must not hold Wait past the deadline
	cmd.WaitDelay = time.Second

	reply := query.Reply{Command: command, StartedAt: r.now().UTC()}
	err := cmd.Run()
	reply.FinishedAt = r.now().UTC()

	out := stdout
	if out.Len() == 0 {
		out = stderr
	}
	reply.Output = out.String()
	if out.truncated {
		reply.Truncated = true
		reply.Output += truncatedMarker
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		reply.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reply.Failed = true
		reply.ExitCode = -1
		reply.Error = fmt.Sprintf("timed out after %s", r.cfg.Timeout)
	case errors.As(err, &exitErr):
		reply.Failed = true
		reply.ExitCode = exitErr.ExitCode()
	default:
		reply.Failed = true
		reply.ExitCode = -1
		reply.Error = err.Error()
	}
	return reply
}

// Close stops accepting commands, cancels running ones and waits for their
// replies to be stored.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		if r.pool != nil {
			if err := r.pool.ReleaseTimeout(3 * time.Second); err != nil {
				r.logger.Warn("command pool release timed out", "error", err)
			}
		}
		r.wg.Wait()
	})
}
