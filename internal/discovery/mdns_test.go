package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestRelayURL(t *testing.T) {
	entry := zeroconf.NewServiceEntry("CollabPixel-host", Service, Domain)
	entry.Port = 1234

	_, ok := relayURL(entry)
	assert.False(t, ok, "an entry without addresses is skipped")

	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	u, ok := relayURL(entry)
	assert.True(t, ok)
	assert.Equal(t, "ws://[fe80::1]:1234", u)

	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	u, _ = relayURL(entry)
	assert.Equal(t, "ws://192.168.1.20:1234", u)

	_, ok = relayURL(nil)
	assert.False(t, ok)
}

func TestAdvertisedRecord(t *testing.T) {
	assert.Equal(t, "CollabPixel-studio", instanceName("studio"))
	assert.Equal(t, []string{"txtv=0", "grid=128"}, txtRecords(128))
}
