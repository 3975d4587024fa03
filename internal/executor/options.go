package executor

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Options configures an Executor: a caller supplies only the fields it
// cares about and sanitizeOptions fills the rest from defaults.
type Options struct {
	// Command is the agent CLI binary to spawn.
	Command string
	// ExtraArgs is appended after the mandatory --print --output-format
	// stream-json arguments.
	ExtraArgs []string
	// ResumeSessionID, if set, passes --resume <id>.
	ResumeSessionID string
	// AllowedToolPatterns is appended to the argument vector verbatim, so it
	// holds "--allowed-tools", pattern pairs, typically sourced from
	// permission.Manager.CLIArgs().
	AllowedToolPatterns []string
	// WorkDir is the child process's working directory.
	WorkDir string

	Logger *slog.Logger

	// CompletionPollInterval is the completion loop's sleep between polls
	// (floored at 100ms).
	CompletionPollInterval time.Duration
	// CompletionTimeout bounds one execute() call.
	CompletionTimeout time.Duration
	// HumanResponseTimeout bounds handle_permission_request's wait on a
	// RequireHuman decision.
	HumanResponseTimeout time.Duration
	// AutoApproveEscalations enables the (discouraged) fallback of
	// auto-allowing RequireHuman decisions instead of awaiting a human
	// response. Default false.
	AutoApproveEscalations bool

	// EventBufferSize bounds the ExecutorEvent channel (default 100).
	EventBufferSize int

	// SpawnRateLimit bounds how often Start may launch a new child process,
	// guarding against a misbehaving pipeline fork-bombing the agent CLI.
	// Zero uses the default of 1 spawn/second with a burst of 3.
	SpawnRateLimit rate.Limit
	SpawnBurst     int

	limiter *rate.Limiter
}

// DefaultOptions returns baseline values; Command must still be set by the
// caller.
func DefaultOptions() *Options {
	return &Options{
		CompletionPollInterval: 100 * time.Millisecond,
		CompletionTimeout:      5 * time.Minute,
		HumanResponseTimeout:   2 * time.Minute,
		AutoApproveEscalations: false,
		EventBufferSize:        100,
	}
}

func sanitizeOptions(o *Options) *Options {
	if o == nil {
		o = DefaultOptions()
	}
	out := *o
	if out.CompletionPollInterval < 100*time.Millisecond {
		out.CompletionPollInterval = 100 * time.Millisecond
	}
	if out.CompletionTimeout <= 0 {
		out.CompletionTimeout = 5 * time.Minute
	}
	if out.HumanResponseTimeout <= 0 {
		out.HumanResponseTimeout = 2 * time.Minute
	}
	if out.EventBufferSize <= 0 {
		out.EventBufferSize = 100
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.SpawnRateLimit <= 0 {
		out.SpawnRateLimit = rate.Limit(1)
	}
	if out.SpawnBurst <= 0 {
		out.SpawnBurst = 3
	}
	out.limiter = rate.NewLimiter(out.SpawnRateLimit, out.SpawnBurst)
	return &out
}

// BuildArgs assembles the child process argument vector: the mandatory
// stream-json flags, optional resume and allowed-tools flags, then any
// ExtraArgs.
func (o *Options) BuildArgs() []string {
	args := []string{"--print", "--output-format", "stream-json"}
	if o.ResumeSessionID != "" {
		args = append(args, "--resume", o.ResumeSessionID)
	}
	args = append(args, o.AllowedToolPatterns...)
	args = append(args, o.ExtraArgs...)
	return args
}
