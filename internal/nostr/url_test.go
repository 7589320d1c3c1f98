package nostr

import "testing"

func TestNormalizeRelayURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"wss://relay.damus.io", "wss://relay.damus.io", true},
		{"  WSS://Relay.Damus.IO/  ", "wss://relay.damus.io", true},
		{"wss://relay.example.com:443/", "wss://relay.example.com", true},
		{"ws://relay.example.com:7777/nostr/", "ws://relay.example.com:7777/nostr", true},
		{"ws://localhost:8080", "ws://localhost:8080", true},
		{"ws://127.0.0.1:4869", "ws://127.0.0.1:4869", true},
		{"https://relay.example.com", "", false},
		{"wss://https://relay.example.com", "", false},
		{"relay.example.com", "", false},
		{"wss://a", "", false},
		{"wss://relay%20example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeRelayURL(tt.in)
		if tt.ok && err != nil {
			t.Errorf("NormalizeRelayURL(%q): unexpected error %v", tt.in, err)
			continue
		}
		if !tt.ok && err == nil {
			t.Errorf("NormalizeRelayURL(%q) = %q, want error", tt.in, got)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeRelayURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHostClassification(t *testing.T) {
	if !IsLoopbackHost("127.0.0.1") || !IsLoopbackHost("[::1]") || !IsLoopbackHost("LocalHost") {
		t.Error("loopback hosts not recognized")
	}
	if IsLoopbackHost("relay.example.com") {
		t.Error("public host treated as loopback")
	}
	if !IsInternalHost("relay.onion") || !IsInternalHost("box.local") {
		t.Error("internal hosts not recognized")
	}
}
