package main

import (
	"os"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/spf13/pflag"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cliOverlay holds the flags that sit outside config.Snapshot itself:
// where to find the YAML file, where the RSA key lives, and whether to
// just print the version and exit.
type cliOverlay struct {
	configPath  string
	keyPath     string
	showVersion bool
}

func parseFlags(args []string) (*cliOverlay, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("raop-server", pflag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	overlay := &cliOverlay{}
	config.RegisterFlags(fs)
	fs.StringVar(&overlay.keyPath, "key", "", "PEM file with the RSA private key for Apple-Challenge auth (ephemeral key generated if omitted)")
	fs.BoolVar(&overlay.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	overlay.configPath, _ = fs.GetString("config")
	return overlay, fs, nil
}
