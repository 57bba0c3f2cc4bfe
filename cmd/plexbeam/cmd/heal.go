package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodnarbrox/plexbeam/internal/config"
	"github.com/nodnarbrox/plexbeam/internal/selfheal"
)

// healCmd runs the interception-point check standalone, outside a transcode
// session. Useful right after a media-server upgrade.
var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Verify and repair the transcoder interception point",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		backup := cfg.TranscoderBackup
		if backup == "" {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locating own binary: %w", err)
			}
			backup = exe + ".real"
		}

		h := &selfheal.Healer{
			BackupPath: backup,
			StateDir:   cfg.StateDir,
			Logger:     slog.Default(),
		}

		p, err := h.Resolve()
		if err != nil {
			return err
		}
		changed, err := h.CheckFingerprint(p)
		if err != nil {
			return err
		}

		fmt.Printf("real transcoder: %s\n", p)
		if changed {
			fmt.Println("fingerprint changed since last run (host upgrade)")
		} else {
			fmt.Println("fingerprint unchanged")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healCmd)
}
