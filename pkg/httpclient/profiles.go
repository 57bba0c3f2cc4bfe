package httpclient

import (
	"log/slog"
	"time"
)

// Profile names the traffic classes the coordinator uses. Each class gets its
// own client so a slow segment download never holds up a status poll, and so
// the circuit breaker trips per concern rather than per process.
type Profile string

const (
	// ProfileProbe is for health probes: fail fast, no retries.
	ProfileProbe Profile = "probe"
	// ProfilePoll is for 250ms-cadence status polls.
	ProfilePoll Profile = "poll"
	// ProfileSubmit is for job submissions and cancellations.
	ProfileSubmit Profile = "submit"
	// ProfileDownload is for segment downloads.
	ProfileDownload Profile = "download"
	// ProfileUpload is for beam streams and staged uploads. No overall
	// timeout: the caller's context carries the multi-hour budget.
	ProfileUpload Profile = "upload"
)

// ProfileConfig returns the Config for a named profile.
func ProfileConfig(p Profile, apiKey string, logger *slog.Logger) Config {
	cfg := DefaultConfig()
	cfg.APIKey = apiKey
	cfg.Logger = logger

	switch p {
	case ProfileProbe:
		cfg.Timeout = 5 * time.Second
		cfg.ConnectTimeout = 2 * time.Second
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 0
	case ProfilePoll:
		cfg.Timeout = 5 * time.Second
		cfg.ConnectTimeout = 2 * time.Second
		cfg.RetryAttempts = 0
	case ProfileSubmit:
		cfg.Timeout = 30 * time.Second
		cfg.RetryAttempts = 1
	case ProfileDownload:
		cfg.Timeout = 60 * time.Second
		cfg.RetryAttempts = 2
	case ProfileUpload:
		cfg.Timeout = 0
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 0
	}
	return cfg
}

// Set bundles one client per profile.
type Set struct {
	Probe    *Client
	Poll     *Client
	Submit   *Client
	Download *Client
	Upload   *Client
}

// NewSet builds a client per profile sharing the api key and logger.
func NewSet(apiKey string, logger *slog.Logger) *Set {
	return &Set{
		Probe:    New(ProfileConfig(ProfileProbe, apiKey, logger)),
		Poll:     New(ProfileConfig(ProfilePoll, apiKey, logger)),
		Submit:   New(ProfileConfig(ProfileSubmit, apiKey, logger)),
		Download: New(ProfileConfig(ProfileDownload, apiKey, logger)),
		Upload:   New(ProfileConfig(ProfileUpload, apiKey, logger)),
	}
}
