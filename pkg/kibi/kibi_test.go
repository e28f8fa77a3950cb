package kibi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "0 bytes", FormatBytes(0))
	require.Equal(t, "1023 bytes", FormatBytes(1023))
	require.Equal(t, "1 KB", FormatBytes(1024))
	require.Equal(t, "35 MB", FormatBytes(35*1024*1024+500))
	require.Equal(t, "1023 MB", FormatBytes(1023*1024*1024))
	require.Equal(t, "1 GB", FormatBytes(1024*1024*1024))
	require.Equal(t, "2048 PB", FormatBytes(2048<<50))
}

func TestParseBytes(t *testing.T) {
	good := map[string]int64{
		"0":        0,
		"12345":    12345,
		"50 bytes": 50,
		"50 kb":    50 << 10,
		"50 KB":    50 << 10,
		"50K":      50 << 10,
		" 32 mb ":  32 << 20,
		"50 gb":    50 << 30,
		"50 tb":    50 << 40,
		"50 p":     50 << 50,
	}
	for s, expected := range good {
		v, err := ParseBytes(s)
		require.NoError(t, err, s)
		require.Equal(t, expected, v, s)
	}

	for _, s := range []string{"", "mb", "50 pbz", "50.1", "-5", "99999999999999999999"} {
		_, err := ParseBytes(s)
		require.ErrorIs(t, err, ErrInvalidByteSize, s)
	}
}
