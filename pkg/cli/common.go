package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/replicate/rget/pkg/optname"
)

const defaultFilename = "download"

const UsageTemplate = `
Usage:{{if .Runnable}}
{{if .HasAvailableFlags}}{{appendIfNotPresent .UseLine "[flags]"}}{{else}}{{.UseLine}}{{end}}{{end}}{{if .HasAvailableSubCommands}}
{{.CommandPath}} [command]{{end}}{{if gt .Aliases 0}}

Aliases:
{{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if .IsAvailableCommand}}
{{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
{{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

func EnsureDestinationNotExist(dest string) error {
	_, err := os.Stat(dest)
	if !viper.GetBool(optname.Force) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destination %s already exists", dest)
	}
	return nil
}

// ResolveDestination picks the output path for rawURL. An explicit output
// name wins, otherwise the last element of the URL path is used. A relative
// name is joined to directory, and the parent of the result is created if
// missing.
func ResolveDestination(rawURL, output, directory string) (string, error) {
	name := output
	if name == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", fmt.Errorf("invalid url %s: %w", rawURL, err)
		}
		name = path.Base(u.Path)
		if name == "/" || name == "." || name == "" {
			name = defaultFilename
		}
	}
	dest := name
	if directory != "" && !filepath.IsAbs(name) {
		dest = filepath.Join(directory, name)
	}
	if parent := filepath.Dir(dest); parent != "." {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", parent, err)
		}
	}
	return dest, nil
}
