package gossip

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

// Config descreve o nó SWIM de um par
type Config struct {
	NodeName         string        // nome único no cluster (padrão: crdtboard-<client id>)
	BindAddr         string        // endereço para bind (ex: "0.0.0.0")
	BindPort         int           // porta SWIM (0 escolhe uma porta livre)
	Seeds            []string      // endereços para o join inicial
	Profile          string        // "lan" ou "local"
	TTL              int           // saltos de reenvio de cada mensagem
	RetransmitMult   int           // multiplicador de retransmissão do memberlist
	PushPullInterval time.Duration // intervalo de anti-entropia
}

// DefaultConfig retorna a configuração padrão para LAN
func DefaultConfig() Config {
	return Config{
		BindAddr:         "0.0.0.0",
		BindPort:         7946,
		Profile:          "lan",
		TTL:              3,
		RetransmitMult:   4,
		PushPullInterval: 30 * time.Second,
	}
}

// nodeMeta is advertised with every member so peers of other rooms can be
// told apart.
type nodeMeta struct {
	ClientID crdt.ClientID `json:"client_id"`
	Room     string        `json:"room"`
}

func decodeMeta(raw []byte) (nodeMeta, bool) {
	var m nodeMeta
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nodeMeta{}, false
	}
	return m, true
}

// memberlistConfig builds the memberlist configuration for one peer.
func memberlistConfig(cfg Config, clientID crdt.ClientID) *memberlist.Config {
	var mc *memberlist.Config
	switch cfg.Profile {
	case "local":
		mc = memberlist.DefaultLocalConfig()
	default:
		mc = memberlist.DefaultLANConfig()
		// Intervalos maiores reduzem tráfego em redes pequenas
		mc.ProbeTimeout = time.Second
		mc.ProbeInterval = 5 * time.Second
	}

	mc.Name = cfg.NodeName
	if mc.Name == "" {
		mc.Name = fmt.Sprintf("crdtboard-%d", clientID)
	}
	if cfg.BindAddr != "" {
		mc.BindAddr = cfg.BindAddr
	}
	mc.BindPort = cfg.BindPort
	mc.AdvertisePort = cfg.BindPort
	if cfg.PushPullInterval > 0 {
		mc.PushPullInterval = cfg.PushPullInterval
	}
	mc.Logger = log.New(log.Writer(), "[MEMBERLIST] ", log.LstdFlags)
	return mc
}

// filterSeeds remove o próprio endereço da lista de seeds
func filterSeeds(seeds []string, self string) []string {
	valid := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if seed != "" && seed != self {
			valid = append(valid, seed)
		}
	}
	return valid
}
