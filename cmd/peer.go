package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heitortanoue/crdtboard/api"
	"github.com/heitortanoue/crdtboard/internal/config"
	"github.com/heitortanoue/crdtboard/internal/printer"
	"github.com/heitortanoue/crdtboard/pkg/peer"
)

var peerFlags struct {
	room      string
	id        uint64
	user      string
	transport string
	relayURL  string
	apiPort   int
	seeds     []string
	mdns      bool
}

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a board replica",
	Long: `Run a board replica with its HTTP API.

The replica joins the room through the configured transport, seeds the
board when it is the lowest id of an empty room, and keeps working
offline when the transport is unavailable.`,
	RunE: runPeer,
}

func init() {
	f := peerCmd.Flags()
	f.StringVar(&peerFlags.room, "room", "", "room name")
	f.Uint64Var(&peerFlags.id, "id", 0, "client id (0 picks one at random)")
	f.StringVar(&peerFlags.user, "user", "", "name shown to other peers")
	f.StringVar(&peerFlags.transport, "transport", "", "websocket, gossip or local")
	f.StringVar(&peerFlags.relayURL, "relay", "", "relay URL (ws:// or wss://)")
	f.IntVar(&peerFlags.apiPort, "api-port", 0, "HTTP API port")
	f.StringSliceVar(&peerFlags.seeds, "seeds", nil, "gossip seed addresses (host:port)")
	f.BoolVar(&peerFlags.mdns, "mdns", false, "discover gossip peers over mDNS")
	rootCmd.AddCommand(peerCmd)
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(c *config.Config) error {
		f := cmd.Flags()
		if f.Changed("room") {
			c.Room = peerFlags.room
		}
		if f.Changed("id") {
			c.ClientID = peerFlags.id
		}
		if f.Changed("user") {
			c.User = peerFlags.user
		}
		if f.Changed("transport") {
			c.Transport = peerFlags.transport
		}
		if f.Changed("relay") {
			c.RelayURL = peerFlags.relayURL
		}
		if f.Changed("api-port") {
			c.API.Port = peerFlags.apiPort
		}
		if f.Changed("seeds") {
			c.Gossip.Seeds = peerFlags.seeds
		}
		if f.Changed("mdns") {
			c.Gossip.MDNS = peerFlags.mdns
		}
		return nil
	})
	if err != nil {
		return err
	}

	p, err := peer.New(peer.ConfigFrom(cfg))
	if err != nil {
		return printer.Error("Failed to create peer", err.Error(), nil)
	}

	printer.Step("Starting peer %d in room %s (%s)\n", p.ClientID(), p.Room(), p.TransportName())
	if err := p.Start(context.Background()); err != nil {
		return printer.Error("Failed to start peer", err.Error(), nil)
	}
	if err := p.Provider().LastError(); err != nil {
		printer.Warning("Transport unavailable, working offline: %v\n", err)
	}

	var server *api.BoardServer
	if cfg.API.Enabled {
		server = api.NewBoardServer(p, cfg.API.Port)
		go func() {
			if err := server.Start(); err != nil {
				printer.Warning("API stopped: %v\n", err)
			}
		}()
		printer.Success("API listening on :%d\n", cfg.API.Port)
	}

	waitForSignal()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	if err := p.Stop(); err != nil {
		printer.Warning("Transport closed with error: %v\n", err)
	}
	printer.Success("Peer stopped\n")
	return nil
}

func waitForSignal() {
	<-signalCh()
	printer.Info("\nShutdown signal received, stopping...\n")
}

func signalCh() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}
