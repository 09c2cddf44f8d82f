// Package wgconf reads and writes wg-quick style tunnel configurations.
package wgconf

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"

	"github.com/houzhh15/tunnel-registry/tunnel"
)

// Interface is the [Interface] section.
type Interface struct {
	PrivateKey Key
	ListenPort uint16 // 0 means unset
	Addresses  []netip.Prefix
	DNS        []netip.Addr
	DNSSearch  []string
	MTU        uint16 // 0 means unset
}

// Peer is one [Peer] section.
type Peer struct {
	PublicKey           Key
	PresharedKey        *Key
	AllowedIPs          []netip.Prefix
	Endpoint            string
	PersistentKeepalive uint16
}

// Config 隧道配置
type Config struct {
	Name      string
	Interface Interface
	Peers     []Peer
}

var _ tunnel.Configuration = (*Config)(nil)

// TunnelName returns the name the configuration was parsed under.
func (c *Config) TunnelName() string {
	return c.Name
}

// WithName returns a copy of c under a different name.
func (c *Config) WithName(name string) tunnel.Configuration {
	clone := *c
	clone.Name = name
	clone.Peers = append([]Peer(nil), c.Peers...)
	return &clone
}

// PublicKey derives the interface public key.
func (c *Config) PublicKey() (Key, error) {
	return c.Interface.PrivateKey.PublicKey()
}

// MarshalText renders c in wg-quick format. The name is not part of the text.
func (c *Config) MarshalText() ([]byte, error) {
	var b bytes.Buffer

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.Interface.PrivateKey)
	if c.Interface.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", c.Interface.ListenPort)
	}
	if len(c.Interface.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", joinStrings(c.Interface.Addresses))
	}
	if len(c.Interface.DNS) > 0 || len(c.Interface.DNSSearch) > 0 {
		dns := make([]string, 0, len(c.Interface.DNS)+len(c.Interface.DNSSearch))
		for _, a := range c.Interface.DNS {
			dns = append(dns, a.String())
		}
		dns = append(dns, c.Interface.DNSSearch...)
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(dns, ", "))
	}
	if c.Interface.MTU != 0 {
		fmt.Fprintf(&b, "MTU = %d\n", c.Interface.MTU)
	}

	for _, p := range c.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != nil {
			fmt.Fprintf(&b, "PresharedKey = %s\n", *p.PresharedKey)
		}
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", joinStrings(p.AllowedIPs))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if p.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
	}

	return b.Bytes(), nil
}

func joinStrings[T fmt.Stringer](items []T) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.String()
	}
	return strings.Join(parts, ", ")
}
