package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Relay unreachable", "", nil)
		require.Error(t, err)
		require.Equal(t, "Relay unreachable", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Invalid config", "palette is empty", []string{
			"Add colors to palette",
			"Remove the palette key to use the defaults",
		})
		require.Error(t, err)
		require.Equal(t, "Invalid config", err.Error())
	})
}

func TestParseHex(t *testing.T) {
	r, g, b, ok := parseHex("#ff6666")
	require.True(t, ok)
	require.Equal(t, []int{255, 102, 102}, []int{r, g, b})

	for _, bad := range []string{"", "ff6666", "#ff66", "#gggggg", "#ff66661"} {
		_, _, _, ok := parseHex(bad)
		require.False(t, ok, bad)
	}
}

func TestBoard(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	colors := []string{"#ffffff", "#222222", "#ffffff", "#222222", "red", "#222222"}
	var buf bytes.Buffer
	Board(&buf, colors, 2)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "████", lines[0])
	require.Equal(t, "??██", lines[2])
}

func TestBoard_PartialLastRow(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	Board(&buf, []string{"#ffffff", "#ffffff", "#ffffff"}, 2)
	require.Equal(t, "████\n██\n", buf.String())
}
