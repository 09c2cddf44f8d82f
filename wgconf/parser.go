package wgconf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/tunnel"
)

var (
	ErrNoInterface        = errors.New("no [Interface] section")
	ErrMultipleInterfaces = errors.New("multiple [Interface] sections")
	ErrUnknownSection     = errors.New("unrecognized section")
	ErrUnknownKey         = errors.New("unrecognized key")
	ErrMissingKey         = errors.New("required key missing")
	ErrDuplicateKey       = errors.New("key given more than once")
	ErrInvalidValue       = errors.New("invalid value")
	ErrDuplicatePeerKey   = errors.New("multiple peers with the same public key")
)

const (
	sectionInterface = "interface"
	sectionPeer      = "peer"
)

// ParseError points at the section and key a parse failure came from.
type ParseError struct {
	Section string
	Key     string
	Value   string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case e.Key == "":
		return fmt.Sprintf("[%s]: %v", e.Section, e.Err)
	case e.Value == "":
		return fmt.Sprintf("[%s] %s: %v", e.Section, e.Key, e.Err)
	default:
		return fmt.Sprintf("[%s] %s = %q: %v", e.Section, e.Key, e.Value, e.Err)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser turns wg-quick text into a Config.
type Parser struct {
	logger logging.Logger
}

// NewParser creates a parser
func NewParser(logger logging.Logger) *Parser {
	return &Parser{logger: logging.OrNop(logger)}
}

// Parse parses text and assigns name to the result.
func (p *Parser) Parse(text, name string) (tunnel.Configuration, error) {
	cfg, err := Parse(text, name)
	if err != nil {
		p.logger.Debug("Configuration rejected", "name", name, "error", err)
		return nil, err
	}
	return cfg, nil
}

// Parse parses wg-quick text.
func Parse(text, name string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveSections:    true,
		InsensitiveKeys:        true,
		AllowNonUniqueSections: true,
		AllowShadows:           true,
		IgnoreContinuation:     true,
		KeyValueDelimiters:     "=",
	}, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	cfg := &Config{Name: name}
	interfaces := 0
	seenPeers := make(map[Key]bool)

	for _, section := range f.Sections() {
		switch section.Name() {
		case sectionInterface:
			interfaces++
			if interfaces > 1 {
				return nil, ErrMultipleInterfaces
			}
			if err := parseInterface(section, &cfg.Interface); err != nil {
				return nil, err
			}

		case sectionPeer:
			var peer Peer
			if err := parsePeer(section, &peer); err != nil {
				return nil, err
			}
			if seenPeers[peer.PublicKey] {
				return nil, &ParseError{Section: "Peer", Key: "PublicKey", Value: peer.PublicKey.String(), Err: ErrDuplicatePeerKey}
			}
			seenPeers[peer.PublicKey] = true
			cfg.Peers = append(cfg.Peers, peer)

		default:
			if strings.EqualFold(section.Name(), ini.DefaultSection) {
				// keys before the first section header
				if len(section.Keys()) > 0 {
					return nil, &ParseError{Section: "", Key: section.Keys()[0].Name(), Err: ErrUnknownKey}
				}
				continue
			}
			return nil, &ParseError{Section: section.Name(), Err: ErrUnknownSection}
		}
	}

	if interfaces == 0 {
		return nil, ErrNoInterface
	}
	return cfg, nil
}

// single returns the only value of a key, rejecting repeats.
func single(section string, k *ini.Key) (string, error) {
	values := k.ValueWithShadows()
	if len(values) > 1 {
		return "", &ParseError{Section: section, Key: k.Name(), Err: ErrDuplicateKey}
	}
	return strings.TrimSpace(k.Value()), nil
}

// list splits every occurrence of a key on commas.
func list(k *ini.Key) []string {
	var out []string
	for _, v := range k.ValueWithShadows() {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func parseInterface(section *ini.Section, iface *Interface) error {
	const name = "Interface"
	hasPrivateKey := false

	for _, k := range section.Keys() {
		invalid := func(value string, err error) error {
			return &ParseError{Section: name, Key: k.Name(), Value: value, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
		}

		switch k.Name() {
		case "privatekey":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			key, err := ParseKey(v)
			if err != nil {
				return &ParseError{Section: name, Key: k.Name(), Err: err}
			}
			iface.PrivateKey = key
			hasPrivateKey = true

		case "listenport":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			port, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return invalid(v, err)
			}
			iface.ListenPort = uint16(port)

		case "address":
			for _, v := range list(k) {
				prefix, err := parsePrefix(v)
				if err != nil {
					return invalid(v, err)
				}
				iface.Addresses = append(iface.Addresses, prefix)
			}

		case "dns":
			for _, v := range list(k) {
				if addr, err := netip.ParseAddr(v); err == nil {
					iface.DNS = append(iface.DNS, addr)
				} else {
					iface.DNSSearch = append(iface.DNSSearch, v)
				}
			}

		case "mtu":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			mtu, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return invalid(v, err)
			}
			if mtu < 576 {
				return invalid(v, fmt.Errorf("mtu below 576"))
			}
			iface.MTU = uint16(mtu)

		default:
			return &ParseError{Section: name, Key: k.Name(), Err: ErrUnknownKey}
		}
	}

	if !hasPrivateKey {
		return &ParseError{Section: name, Key: "PrivateKey", Err: ErrMissingKey}
	}
	return nil
}

func parsePeer(section *ini.Section, peer *Peer) error {
	const name = "Peer"
	hasPublicKey := false

	for _, k := range section.Keys() {
		invalid := func(value string, err error) error {
			return &ParseError{Section: name, Key: k.Name(), Value: value, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
		}

		switch k.Name() {
		case "publickey":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			key, err := ParseKey(v)
			if err != nil {
				return &ParseError{Section: name, Key: k.Name(), Err: err}
			}
			peer.PublicKey = key
			hasPublicKey = true

		case "presharedkey":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			key, err := ParseKey(v)
			if err != nil {
				return &ParseError{Section: name, Key: k.Name(), Err: err}
			}
			peer.PresharedKey = &key

		case "allowedips":
			for _, v := range list(k) {
				prefix, err := parsePrefix(v)
				if err != nil {
					return invalid(v, err)
				}
				peer.AllowedIPs = append(peer.AllowedIPs, prefix)
			}

		case "endpoint":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			if err := validateEndpoint(v); err != nil {
				return invalid(v, err)
			}
			peer.Endpoint = v

		case "persistentkeepalive":
			v, err := single(name, k)
			if err != nil {
				return err
			}
			if v == "off" {
				continue
			}
			keepalive, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return invalid(v, err)
			}
			peer.PersistentKeepalive = uint16(keepalive)

		default:
			return &ParseError{Section: name, Key: k.Name(), Err: ErrUnknownKey}
		}
	}

	if !hasPublicKey {
		return &ParseError{Section: name, Key: "PublicKey", Err: ErrMissingKey}
	}
	return nil
}

// parsePrefix accepts a CIDR or a bare address, which gets a host-length mask.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// validateEndpoint checks host:port, with IPv6 hosts in brackets.
func validateEndpoint(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("bad port %q", port)
	}
	return nil
}
