package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommonFlagsExtendLoggingFlags(t *testing.T) {
	require.Len(t, CommonFlags, len(LoggingFlags)+2)
	for _, f := range LoggingFlags {
		require.Contains(t, CommonFlags, f)
	}
	require.Contains(t, CommonFlags, PprofFlag)
	require.Contains(t, CommonFlags, DrainSecondsFlag)
}
