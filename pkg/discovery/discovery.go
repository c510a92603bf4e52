package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/heitortanoue/crdtboard/pkg/crdt"
)

const (
	DefaultService = "_crdtboard._udp"
	DefaultDomain  = "local."
)

// Config controls mDNS advertising and browsing.
type Config struct {
	Service        string
	Domain         string
	BrowseWindow   time.Duration // duração de cada varredura
	BrowseInterval time.Duration // pausa entre varreduras
}

// DefaultConfig returns the settings used on a LAN.
func DefaultConfig() Config {
	return Config{
		Service:        DefaultService,
		Domain:         DefaultDomain,
		BrowseWindow:   5 * time.Second,
		BrowseInterval: 30 * time.Second,
	}
}

// Discovery advertises this peer's gossip endpoint and finds the endpoints
// of other peers in the same room.
type Discovery struct {
	cfg      Config
	room     string
	clientID crdt.ClientID
	port     int

	mutex  sync.Mutex
	server *zeroconf.Server
	known  map[string]time.Time
}

// New prepares discovery for a gossip endpoint listening on port.
func New(cfg Config, room string, clientID crdt.ClientID, port int) *Discovery {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	return &Discovery{
		cfg:      cfg,
		room:     room,
		clientID: clientID,
		port:     port,
		known:    make(map[string]time.Time),
	}
}

// TXT builds the TXT records announced with the service.
func TXT(room string, clientID crdt.ClientID) []string {
	return []string{
		"room=" + room,
		"client=" + strconv.FormatUint(uint64(clientID), 10),
	}
}

// Advertise registers the mDNS service.
func (d *Discovery) Advertise() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.server != nil {
		return nil
	}

	instance := fmt.Sprintf("crdtboard-%d", d.clientID)
	server, err := zeroconf.Register(instance, d.cfg.Service, d.cfg.Domain, d.port, TXT(d.room, d.clientID), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	d.server = server
	log.Printf("[DISCOVERY] Serviço mDNS registrado: %s na porta %d", d.cfg.Service, d.port)
	return nil
}

// Run browses periodically until ctx is done and calls join with the
// addresses of newly found peers in the same room.
func (d *Discovery) Run(ctx context.Context, join func(addrs []string)) error {
	for {
		if err := d.browseOnce(ctx, join); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.BrowseInterval):
		}
	}
}

func (d *Discovery) browseOnce(ctx context.Context, join func(addrs []string)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, d.cfg.BrowseWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(chan []string, 1)
	go func() { found <- d.collect(browseCtx, entries) }()

	if err := resolver.Browse(browseCtx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		cancel()
		<-found
		return fmt.Errorf("mdns browse: %w", err)
	}
	<-browseCtx.Done()

	addrs := <-found
	if len(addrs) > 0 {
		log.Printf("[DISCOVERY] Encontrados %d pares na sala %s", len(addrs), d.room)
		join(addrs)
	}
	return nil
}

// collect gathers the new addresses of accepted entries until entries is
// closed or ctx ends. Entries already buffered when ctx ends still count.
func (d *Discovery) collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []string {
	var addrs []string
	add := func(entry *zeroconf.ServiceEntry) {
		if addr, ok := Accept(entry, d.room, d.clientID); ok && d.remember(addr) {
			addrs = append(addrs, addr)
		}
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return addrs
			}
			add(entry)
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-entries:
					if !ok {
						return addrs
					}
					add(entry)
				default:
					return addrs
				}
			}
		}
	}
}

// remember reports whether addr is new.
func (d *Discovery) remember(addr string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, ok := d.known[addr]; ok {
		return false
	}
	d.known[addr] = time.Now()
	return true
}

// Forget drops addr so it is joined again when found.
func (d *Discovery) Forget(addr string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.known, addr)
}

// Stop withdraws the mDNS service.
func (d *Discovery) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

// Accept checks that entry belongs to room and is not self, and returns
// the host:port to join.
func Accept(entry *zeroconf.ServiceEntry, room string, self crdt.ClientID) (string, bool) {
	if entry == nil {
		return "", false
	}
	var entryRoom, entryClient string
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "room":
			entryRoom = value
		case "client":
			entryClient = value
		}
	}
	if entryRoom != room {
		return "", false
	}
	if id, err := strconv.ParseUint(entryClient, 10, 64); err == nil && crdt.ClientID(id) == self {
		return "", false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
