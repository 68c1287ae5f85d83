package version

import (
	"fmt"
	"strings"
)

const snapshotString = "snapshot"

var (
	// Build time injected via -ldflags
	Version    string
	CommitHash string
	BuildTime  string
	Prerelease string
	Snapshot   string
	OS         string
	Arch       string
	Branch     string
)

// GetVersion returns the version information in a human consumable way, for the
// version command and the User-Agent header.
func GetVersion() string {
	return makeVersionString(Version, CommitHash, Prerelease, Snapshot, OS, Arch, Branch)
}

// UserAgent is the value sent in the User-Agent header of every request.
func UserAgent() string {
	return fmt.Sprintf("rget/%s", GetVersion())
}

func makeVersionString(version, commitHash, prerelease, snapshot, os, arch, branch string) string {
	if version == "" {
		version = "dev"
	}
	var sb strings.Builder
	sb.WriteString(version)
	if commitHash != "" {
		fmt.Fprintf(&sb, "(%s)", commitHash)
	}
	switch {
	case prerelease != "":
		fmt.Fprintf(&sb, "-%s", prerelease)
	case snapshot == "true":
		fmt.Fprintf(&sb, "-%s", snapshotString)
	}

	if branch != "" && branch != "main" && branch != "HEAD" {
		fmt.Fprintf(&sb, "[%s]", branch)
	}

	switch {
	case os != "" && arch != "":
		fmt.Fprintf(&sb, "/%s-%s", os, arch)
	case os != "":
		fmt.Fprintf(&sb, "/%s", os)
	}
	return sb.String()
}
