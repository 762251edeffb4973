package bootstrap

import (
	"fmt"
	"slices"
	"strings"
)

const (
	ToolchainHadoop = "hadoop"
	ToolchainSpark  = "spark"
)

var ErrUnknownToolchain = fmt.Errorf("unknown toolchain")

// Toolchain is a named, self-contained, ordered list of shell commands.
type Toolchain struct {
	Name     string
	Commands []string
}

var toolchains = map[string][]string{
	ToolchainHadoop: cmdSetInstallHadoop,
	ToolchainSpark:  cmdSetInstallSpark,
}

// ToolchainNames returns the known toolchains in the order they run by
// default.
func ToolchainNames() []string {
	return []string{ToolchainHadoop, ToolchainSpark}
}

// LookupToolchain returns a copy of the named toolchain, so callers may not
// mutate the shared command sets.
func LookupToolchain(name string) (Toolchain, error) {
	cmds, ok := toolchains[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Toolchain{}, fmt.Errorf(
			"%w: %q (expected one of: %s)",
			ErrUnknownToolchain,
			name,
			strings.Join(ToolchainNames(), ", "),
		)
	}
	return Toolchain{
		Name:     strings.ToLower(strings.TrimSpace(name)),
		Commands: slices.Clone(cmds),
	}, nil
}
