package relay

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"nostr-sync/internal/nostr"
)

// ErrUnsafeAddress is returned for relay addresses on private networks
var ErrUnsafeAddress = errors.New("relay URL blocked: unsafe destination")

// checkAddress validates a canonical relay URL without touching the network.
// Name resolution and the per-IP check happen at dial time in dialControl.
func checkAddress(relayURL string, allowPrivate bool) error {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", nostr.ErrBadRelayURL, err)
	}
	host := parsed.Hostname()
	if nostr.IsLoopbackHost(host) || allowPrivate {
		return nil
	}
	if nostr.IsInternalHost(host) {
		return ErrUnsafeAddress
	}
	if ip := net.ParseIP(host); ip != nil && !isRelayIPSafe(ip) {
		return ErrUnsafeAddress
	}
	return nil
}

// dialControl refuses to open sockets to private destinations after DNS resolution
func dialControl(allowPrivate bool) func(network, address string, _ syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		if allowPrivate {
			return nil
		}
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		if ip := net.ParseIP(host); ip != nil && !isRelayIPSafe(ip) {
			return ErrUnsafeAddress
		}
		return nil
	}
}

var metadataIP = net.ParseIP("169.254.169.254")

// isRelayIPSafe checks if an IP is safe for relay connections
// Allows loopback (localhost) but blocks other private ranges
func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}

	// Allow loopback (localhost)
	if ip.IsLoopback() {
		return true
	}

	// Block private networks (10.x, 172.16-31.x, 192.168.x)
	if ip.IsPrivate() {
		return false
	}

	// Block link-local (169.254.x.x), which covers the cloud metadata IP
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.Equal(metadataIP) {
		return false
	}

	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}

	return true
}
