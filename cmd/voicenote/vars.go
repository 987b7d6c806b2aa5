package cli

import (
	"github.com/neboloop/voicenote/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile   string
	logLevel  string
	logFormat string
	quiet     bool
)

// AppVersion is stamped at build time with -ldflags "-X".
var AppVersion = "dev"

// AppConfig holds the loaded configuration (set by main, overridden by --config)
var AppConfig *config.Config
