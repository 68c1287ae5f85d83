package root

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rget "github.com/replicate/rget/pkg"
	"github.com/replicate/rget/pkg/cli"
	"github.com/replicate/rget/pkg/client"
	"github.com/replicate/rget/pkg/config"
	"github.com/replicate/rget/pkg/download"
	"github.com/replicate/rget/pkg/logging"
	"github.com/replicate/rget/pkg/optname"
	"github.com/replicate/rget/pkg/progress"
)

const rootLongDesc = `
rget

rget downloads a single file over HTTP by splitting it into byte ranges, fetching the ranges over parallel
connections and reassembling them, in order, into one local file.

The server must honour Range requests. The file only appears under its final name once every byte has been
written; a failed or interrupted download leaves nothing behind.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rget [flags] <url>",
		Short: "rget",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE: runRootCMD,
		Args: cobra.ExactArgs(1),
		Example: `  rget https://example.com/weights.bin
  rget -c 8 -d models -o model.bin https://example.com/weights.bin`,
	}
	cmd.Flags().StringP(optname.Output, "o", "", "Output file name (defaults to the last element of the URL path)")
	cmd.Flags().StringP(optname.Directory, "d", "", "Directory to write the output to, created if missing")
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	dest, err := cli.ResolveDestination(urlString, viper.GetString(optname.Output), viper.GetString(optname.Directory))
	if err != nil {
		return err
	}

	logger := logging.GetLogger()
	logger.Info().Str("url", urlString).
		Str("dest", dest).
		Int("concurrency", viper.GetInt(optname.Concurrency)).
		Msg("Initiating")

	if err := cli.EnsureDestinationNotExist(dest); err != nil {
		return err
	}

	return rootExecute(cmd.Context(), urlString, dest)
}

// rootExecute is the main function of the program and encapsulates the general logic
// returns any/all errors to the caller.
func rootExecute(ctx context.Context, urlString, dest string) error {
	getter, err := newGetter()
	if err != nil {
		return err
	}
	_, err = getter.DownloadFile(ctx, urlString, dest)
	return err
}

func newGetter() (*rget.Getter, error) {
	bufferSize, err := humanize.ParseBytes(viper.GetString(optname.BufferSize))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", optname.BufferSize, err)
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("%s must be greater than zero", optname.BufferSize)
	}
	maxBandwidth, err := humanize.ParseBytes(viper.GetString(optname.MaxBandwidth))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", optname.MaxBandwidth, err)
	}
	overrides, err := config.ResolveOverrides()
	if err != nil {
		return nil, err
	}
	sink, err := progress.NewSink(viper.GetString(optname.Progress), logging.GetLogger())
	if err != nil {
		return nil, err
	}

	clientOpts := client.Options{
		ForceHTTP2:       viper.GetBool(optname.ForceHTTP2),
		MaxRetries:       viper.GetInt(optname.Retries),
		ConnectTimeout:   viper.GetDuration(optname.ConnTimeout),
		ResolveOverrides: overrides,
	}
	downloadOpts := download.Options{
		Concurrency:  viper.GetInt(optname.Concurrency),
		BufferSize:   int64(bufferSize),
		MaxBandwidth: int64(maxBandwidth),
		Client:       clientOpts,
	}
	return &rget.Getter{
		Options:          downloadOpts,
		Assembly:         viper.GetString(optname.Assembly),
		Sink:             sink,
		ProgressInterval: viper.GetDuration(optname.ProgressInterval),
	}, nil
}
