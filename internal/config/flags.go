package config

import (
	"github.com/spf13/pflag"
)

// Flags are the command-line options
type Flags struct {
	ConfigFile  string
	EnvFile     string
	DataDir     string
	ServerAddr  string
	LogLevel    string
	Environment string

	// Reset deletes every upstream subscription and clears the stores
	Reset bool

	Help bool
}

// NewFlagSet registers every option on a new flag set
func NewFlagSet(name string, flags *Flags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&flags.ConfigFile, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&flags.EnvFile, "env-file", "", "path to a .env file (default: ./.env when present)")
	fs.StringVar(&flags.DataDir, "data-dir", "", "directory for on-disk stores")
	fs.StringVar(&flags.ServerAddr, "addr", "", "HTTP listen address")
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&flags.Environment, "environment", "", "deployment environment; production refuses --reset")
	fs.BoolVar(&flags.Reset, "reset", false, "delete every upstream subscription, clear the stores and exit")
	fs.BoolVarP(&flags.Help, "help", "h", false, "show help")
	return fs
}

// ParseFlags parses args into Flags
func ParseFlags(name string, args []string) (*Flags, *pflag.FlagSet, error) {
	flags := &Flags{}
	fs := NewFlagSet(name, flags)
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return flags, fs, nil
}
