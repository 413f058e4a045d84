package config

import "testing"

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]string{"127.0.0.1:9000", "backends=127.0.0.1:9101,127.0.0.1:9102"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindPort != 9000 {
		t.Fatalf("expect bind port 9000, got %d", cfg.BindPort)
	}
	if len(cfg.StaticBackends) != 2 {
		t.Fatalf("expect 2 backends, got %d", len(cfg.StaticBackends))
	}
	if cfg.Mode != ModeRoundRobin || cfg.Proto != ProtoTCP {
		t.Fatalf("expect defaults round-robin/tcp, got %s/%s", cfg.Mode, cfg.Proto)
	}
}

func TestParseRepeatedEndpointArgs(t *testing.T) {
	cfg, err := Parse([]string{"127.0.0.1:9000", "127.0.0.1:9101", "127.0.0.1:9102", "mode=least-connections"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.StaticBackends) != 2 {
		t.Fatalf("expect 2 backends, got %d", len(cfg.StaticBackends))
	}
	if cfg.Mode != ModeLeastConnections {
		t.Fatalf("expect least-connections, got %s", cfg.Mode)
	}
}

func TestParseRingDomain(t *testing.T) {
	cfg, err := Parse([]string{"127.0.0.1:9000", "ring_domain=upstream.example.com:80", "proto=udp"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RingDomain != "upstream.example.com" || cfg.RingPort != 80 {
		t.Fatalf("unexpected ring domain parse: %q %d", cfg.RingDomain, cfg.RingPort)
	}
	if cfg.Proto != ProtoUDP {
		t.Fatalf("expect udp, got %s", cfg.Proto)
	}
}

func TestParseMissingBackendsAndRing(t *testing.T) {
	_, err := Parse([]string{"127.0.0.1:9000"})
	if err == nil {
		t.Fatal("expect error when neither backends nor ring_domain given")
	}
}

func TestParseBadBindAddress(t *testing.T) {
	_, err := Parse([]string{"not-an-address", "backends=127.0.0.1:9101"})
	if err == nil {
		t.Fatal("expect error for unparseable bind address")
	}
}

func TestParseUnrecognizedMode(t *testing.T) {
	_, err := Parse([]string{"127.0.0.1:9000", "backends=127.0.0.1:9101", "mode=weighted"})
	if err == nil {
		t.Fatal("expect error for unrecognized mode")
	}
}

func TestParseUnrecognizedProto(t *testing.T) {
	_, err := Parse([]string{"127.0.0.1:9000", "backends=127.0.0.1:9101", "proto=quic"})
	if err == nil {
		t.Fatal("expect error for unrecognized proto")
	}
}
