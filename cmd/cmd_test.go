package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/crdtboard/api"
	"github.com/heitortanoue/crdtboard/internal/config"
)

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"peer", "relay", "board"} {
		require.True(t, names[want], "missing command %s", want)
	}
}

func TestLoadConfig_Override(t *testing.T) {
	configPath = ""
	cfg, err := loadConfig(func(c *config.Config) error {
		c.Room = "sala-cli"
		c.Transport = config.TransportLocal
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "sala-cli", cfg.Room)
	require.Equal(t, config.TransportLocal, cfg.Transport)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	configPath = ""
	_, err := loadConfig(func(c *config.Config) error {
		c.Transport = "carrier-pigeon"
		return nil
	})
	require.Error(t, err)
	require.Equal(t, "Invalid configuration", err.Error())
}

func TestFetchBoard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/board" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(api.BoardResponse{
			Rows: 1, Cols: 2, Length: 2, Colors: []string{"#ffffff", "#222222"},
		})
	}))
	defer srv.Close()

	board, err := fetchBoard(srv.URL)
	require.NoError(t, err)
	require.Equal(t, 2, board.Length)
	require.Equal(t, []string{"#ffffff", "#222222"}, board.Colors)
}

func TestFetchBoard_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchBoard(srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}
