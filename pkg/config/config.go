package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/optname"
)

func AddRootPersistentFlags(cmd *cobra.Command) error {
	// Persistent Flags (applies to all commands/subcommands)
	cmd.PersistentFlags().IntP(optname.Concurrency, "c", download.DefaultConcurrency, fmt.Sprintf("Number of segments downloaded in parallel (%d-%d)", download.MinConcurrency, download.MaxConcurrency))
	cmd.PersistentFlags().Duration(optname.ConnTimeout, 5*time.Second, "Timeout for establishing a connection, format is <number><unit>, e.g. 10s")
	cmd.PersistentFlags().BoolP(optname.Force, "f", false, "Force download, overwriting existing file")
	cmd.PersistentFlags().StringSlice(optname.Resolve, []string{}, "Resolve hostnames to specific IPs, format is <hostname>:<port>:<ip>")
	cmd.PersistentFlags().IntP(optname.Retries, "r", 5, "Number of retries the transport makes when a request cannot be established")
	cmd.PersistentFlags().String(optname.Assembly, "positional", "How segments are assembled into the output file (positional, parts)")
	cmd.PersistentFlags().String(optname.Progress, "log", "Progress reporting (log, bar, none)")
	cmd.PersistentFlags().Duration(optname.ProgressInterval, 500*time.Millisecond, "Interval between progress updates")
	cmd.PersistentFlags().String(optname.BufferSize, "32K", "Size of the read buffer used by each segment (e.g. 64K)")
	cmd.PersistentFlags().String(optname.MaxBandwidth, "0", "Maximum combined download rate per second, 0 for unlimited (e.g. 50M)")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().Bool(optname.ForceHTTP2, false, "Force HTTP/2")

	viper.SetEnvPrefix("RGET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind persistent flags: %w", err)
	}

	// Hidden, intended for benchmarking/debugging only
	if err := cmd.PersistentFlags().MarkHidden(optname.ForceHTTP2); err != nil {
		return fmt.Errorf("failed to hide flag %s: %w", optname.ForceHTTP2, err)
	}
	return nil
}

func PersistentStartupProcessFlags() error {
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	logging.SetLevel(viper.GetString(optname.LoggingLevel))
	if err := ValidateConcurrency(viper.GetInt(optname.Concurrency)); err != nil {
		return err
	}
	overrides, err := ResolveOverrides()
	if err != nil {
		return err
	}
	logger := logging.GetLogger()
	if logger.GetLevel() <= zerolog.DebugLevel {
		for key, elem := range overrides {
			logger.Debug().Str("host_port", key).Str("resolve_target", elem).Msg("Config")
		}
	}
	return nil
}

func ValidateConcurrency(concurrency int) error {
	if concurrency < download.MinConcurrency || concurrency > download.MaxConcurrency {
		return fmt.Errorf("concurrency must be between %d and %d, got %d", download.MinConcurrency, download.MaxConcurrency, concurrency)
	}
	return nil
}

// ResolveOverrides parses the --resolve values held by viper.
func ResolveOverrides() (map[string]string, error) {
	return ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
}

// ResolveOverridesToMap converts <hostname>:<port>:<ip> entries into a map of
// host:port to ip:port. It returns a nil map when there is nothing to override.
func ResolveOverridesToMap(resolveHosts []string) (map[string]string, error) {
	if len(resolveHosts) == 0 {
		return nil, nil
	}
	resolveOverrides := make(map[string]string)
	for _, resolveHost := range resolveHosts {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("invalid resolve host format, expected <hostname>:port:<ip>, got: %s", resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("invalid hostname specified, looks like an IP address: %s", host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid IP address: %s", addr)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if existing, ok := resolveOverrides[hostPort]; ok && existing != target {
			return nil, fmt.Errorf("duplicate host:port specified: %s", hostPort)
		}
		resolveOverrides[hostPort] = target
	}
	return resolveOverrides, nil
}
