package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/heitortanoue/crdtboard/api"
	"github.com/heitortanoue/crdtboard/internal/printer"
)

var boardAPI string

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Print the board of a running peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := fetchBoard(boardAPI)
		if err != nil {
			return printer.Error("Could not read the board", err.Error(), []string{
				"Start a peer with `crdtboard peer` and point --api at its HTTP port",
			})
		}
		if resp.Length == 0 {
			printer.Warning("The board is empty (not seeded yet)\n")
			return nil
		}
		printer.Board(cmd.OutOrStdout(), resp.Colors, resp.Cols)
		return nil
	},
}

func init() {
	boardCmd.Flags().StringVar(&boardAPI, "api", "http://localhost:8080", "peer API base URL")
	rootCmd.AddCommand(boardCmd)
}

func fetchBoard(base string) (*api.BoardResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Get(base + "/board")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /board returned %s", res.Status)
	}

	var board api.BoardResponse
	if err := json.NewDecoder(res.Body).Decode(&board); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	return &board, nil
}
