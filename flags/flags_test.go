package flags

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// TestOptionalFlagsDontSetRequired asserts that all flags deemed optional set
// the Required field to false.
func TestOptionalFlagsDontSetRequired(t *testing.T) {
	for _, flag := range optionalFlags {
		reqFlag, ok := flag.(cli.RequiredFlag)
		require.True(t, ok)
		require.False(t, reqFlag.IsRequired())
	}
}

// TestUniqueFlags asserts that all flag names are unique, to avoid accidental
// conflicts between the many flags.
func TestUniqueFlags(t *testing.T) {
	seenCLI := make(map[string]struct{})
	for _, flag := range Flags {
		name := flag.Names()[0]
		if _, ok := seenCLI[name]; ok {
			t.Errorf("duplicate flag %s", name)
			continue
		}
		seenCLI[name] = struct{}{}
	}
}

// TestFlagsUsePrefixedEnvVars asserts every flag reads its environment
// variable from the TESTMUX namespace.
func TestFlagsUsePrefixedEnvVars(t *testing.T) {
	for _, flag := range Flags {
		docFlag, ok := flag.(cli.DocGenerationFlag)
		require.True(t, ok)
		for _, envVar := range docFlag.GetEnvVars() {
			require.True(t, strings.HasPrefix(envVar, EnvVarPrefix+"_"), "flag %s env var %s", flag.Names()[0], envVar)
		}
	}
}
