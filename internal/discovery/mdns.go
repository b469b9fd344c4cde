// Package discovery advertises relays on the local network over mDNS and
// finds them again from participants.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabpixel._tcp"
	Domain  = "local."
)

var ErrNoRelay = errors.New("no relay found on the local network")

// Advertise registers a relay listening on port. Call Shutdown on the
// returned server to withdraw it.
func Advertise(port, gridSize int, log *slog.Logger) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(instanceName(host), Service, Domain, port, txtRecords(gridSize), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	log.Info("mDNS service registered", "service", Service, "port", port)
	return server, nil
}

func instanceName(host string) string {
	return fmt.Sprintf("%s-%s", "CollabPixel", host)
}

func txtRecords(gridSize int) []string {
	return []string{"txtv=0", fmt.Sprintf("grid=%d", gridSize)}
}

// Lookup browses until the first relay answers or ctx ends, and returns
// its websocket base URL.
func Lookup(ctx context.Context, log *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNoRelay
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoRelay
			}
			if u, ok := relayURL(entry); ok {
				log.Info("mDNS discovered relay", "instance", entry.Instance, "url", u)
				return u, nil
			}
		}
	}
}

func relayURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		return fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port), true
	case len(entry.AddrIPv6) > 0:
		return fmt.Sprintf("ws://[%s]:%d", entry.AddrIPv6[0], entry.Port), true
	default:
		return "", false
	}
}
