// Package main is the entry point for plexbeam, the transcoder-interception
// coordinator. When the media server invokes it as its transcoder, argv is a
// FFmpeg-style command line and goes straight to the coordinator; management
// subcommands (version, doctor, heal) run through the CLI.
package main

import (
	"os"
	"strings"

	"github.com/nodnarbrox/plexbeam/cmd/plexbeam/cmd"
	"github.com/nodnarbrox/plexbeam/internal/coordinator"
)

// managementCommands are the argv[1] values handled by the CLI rather than
// the interception path.
var managementCommands = map[string]bool{
	"version": true,
	"doctor":  true,
	"heal":    true,
	"help":    true,
}

func main() {
	args := os.Args[1:]

	if isTranscoderInvocation(args) {
		os.Exit(coordinator.Run(args))
	}

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTranscoderInvocation distinguishes a media-server transcode call from a
// management command. Transcoder argv always leads with a flag.
func isTranscoderInvocation(args []string) bool {
	if len(args) == 0 {
		return false
	}
	if managementCommands[args[0]] || args[0] == "--help" || args[0] == "-h" || args[0] == "--version" {
		return false
	}
	return strings.HasPrefix(args[0], "-")
}
