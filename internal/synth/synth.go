// Package synth declares the remote speech-synthesis collaborator as a
// pluggable I/O sink. The concrete HTTP client and multi-provider fallback
// logic (Edge/OpenAI/ElevenLabs, etc.) is explicitly out of scope for this
// control plane; callers supply their own Provider implementation.
package synth

import "context"

// Result reports the outcome of one synthesis call.
type Result struct {
	Success      bool
	AudioPath    string
	Provider     string
	OutputFormat string
	LatencyMS    int64
	Error        string
}

// Provider is the pluggable I/O sink contract: is_running/synthesize.
type Provider interface {
	// IsRunning reports whether the backing service is reachable.
	IsRunning(ctx context.Context) bool
	// Synthesize renders text as speaker's voice to outPath.
	Synthesize(ctx context.Context, text, speaker, outPath string) (*Result, error)
}

// NoopProvider is always unreachable; useful as a zero-value default so a
// pipeline definition that references a voicing stage fails fast with a
// clear message instead of nil-pointer panicking.
type NoopProvider struct{}

func (NoopProvider) IsRunning(ctx context.Context) bool { return false }

func (NoopProvider) Synthesize(ctx context.Context, text, speaker, outPath string) (*Result, error) {
	return &Result{Success: false, Error: "synth: no provider configured"}, nil
}
