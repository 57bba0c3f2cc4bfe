package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/localrun"
	"github.com/nodnarbrox/plexbeam/internal/observability"
	"github.com/nodnarbrox/plexbeam/internal/pool"
	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// doctorCmd reports the host and worker-pool state an operator needs when a
// session misbehaves.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report host hardware, configuration, and worker pool health",
	Long: `Doctor inspects the installation: local GPU presence, host resources,
the effective configuration, and a live health probe of every configured
worker. Output is JSON.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().Duration("timeout", 10*time.Second, "probe timeout")
	rootCmd.AddCommand(doctorCmd)
}

// DoctorReport is the doctor command's JSON output.
type DoctorReport struct {
	Host    HostReport     `json:"host"`
	Config  ConfigReport   `json:"config"`
	Workers []WorkerReport `json:"workers"`
}

// HostReport describes the local machine.
type HostReport struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	CPUCores      int     `json:"cpu_cores"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryUsedPct float64 `json:"memory_used_pct"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	GPU           string  `json:"gpu"`
}

// ConfigReport is the effective configuration, secrets omitted.
type ConfigReport struct {
	MultiMode     string `json:"multi_mode"`
	ChunkDuration string `json:"chunk_duration"`
	WorkerPool    string `json:"worker_pool"`
	SingleWorker  string `json:"single_worker"`
	PullProxy     string `json:"pull_proxy"`
	StagedUpload  bool   `json:"staged_upload"`
	APIKeySet     bool   `json:"api_key_set"`
}

// WorkerReport is one pool entry's probe result.
type WorkerReport struct {
	URL     string `json:"url"`
	Tag     string `json:"tag"`
	Alive   bool   `json:"alive"`
	Encoder string `json:"encoder,omitempty"`
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	report := DoctorReport{
		Host: collectHost(ctx),
		Config: ConfigReport{
			MultiMode:     string(cfg.MultiMode),
			ChunkDuration: cfg.ChunkDuration.String(),
			WorkerPool:    cfg.WorkerPool,
			SingleWorker:  cfg.RemoteWorkerURL,
			PullProxy:     cfg.PullProxyURL,
			StagedUpload:  cfg.StagedUpload,
			APIKeySet:     cfg.APIKey != "",
		},
	}

	if cfg.HasPool() {
		entries, err := pool.ParseSpec(cfg.WorkerPool)
		if err != nil {
			return fmt.Errorf("parsing worker pool: %w", err)
		}
		logger := observability.NewLogger(cfg.Logging)
		live := pool.Probe(ctx, entries, httpclient.NewSet(cfg.APIKey, logger), logger)

		alive := make(map[string]*pool.Worker, len(live))
		for _, w := range live {
			alive[w.URL] = w
		}
		for _, e := range entries {
			wr := WorkerReport{URL: e.URL, Tag: string(e.Tag)}
			if w := alive[e.URL]; w != nil {
				wr.Alive = true
				wr.Encoder = w.EncoderClass.String()
			}
			report.Workers = append(report.Workers, wr)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func collectHost(ctx context.Context) HostReport {
	hostname, _ := os.Hostname()
	hr := HostReport{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		GPU:      localrun.DetectGPU().String(),
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		hr.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hr.MemoryTotalMB = vm.Total / (1024 * 1024)
		hr.MemoryUsedPct = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		hr.UptimeSeconds = up
	}
	return hr
}
