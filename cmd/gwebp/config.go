package main

import (
	"os"
	"path/filepath"

	"github.com/gookit/ini/v2"
)

// cliDefaults holds values loaded from an optional ~/.gwebprc config file,
// which CLI flags then override. This mirrors how go-musicfox layers its
// gookit/ini config file underneath explicit command-line flags.
type cliDefaults struct {
	Quality float64
	Method  int
	LogPath string
}

// loadDefaults reads ~/.gwebprc if present. A missing file is not an error;
// gwebp runs fine with its built-in defaults.
func loadDefaults() cliDefaults {
	d := cliDefaults{Quality: 75, Method: 4}

	home, err := os.UserHomeDir()
	if err != nil {
		return d
	}
	path := filepath.Join(home, ".gwebprc")
	if _, err := os.Stat(path); err != nil {
		return d
	}

	cfg := ini.New()
	if err := cfg.LoadExists(path); err != nil {
		return d
	}
	if v, ok := cfg.Float("encode.quality"); ok {
		d.Quality = v
	}
	if v, ok := cfg.Int("encode.method"); ok {
		d.Method = v
	}
	if v := cfg.String("log.path"); v != "" {
		d.LogPath = v
	}
	return d
}
