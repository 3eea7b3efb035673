package transport

import (
	"errors"
	"testing"

	"github.com/danmuck/peerwire/internal/testutil/testlog"
)

func TestValidateDialProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DialConfig{Kind: KindTCP, Addr: "127.0.0.1:1", SecurityMode: SecurityModeProduction}
	if err := cfg.Validate(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.Kind = KindTLS
	if err := cfg.Validate(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.TLS = TLSConfig{Mutual: true, InsecureSkipVerify: true}
	if err := cfg.Validate(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateDialMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DialConfig{Kind: KindTLS, Addr: "127.0.0.1:1"}
	cfg.TLS.Mutual = true
	if err := cfg.Validate(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.Validate(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.Validate(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateListen(t *testing.T) {
	testlog.Start(t)
	cfg := ListenConfig{Kind: KindWS, Addr: ":0", SecurityMode: SecurityModeProduction}
	if err := cfg.Validate(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	tlsCfg := ListenConfig{Kind: KindTLS, Addr: ":0"}
	if err := tlsCfg.Validate(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	// development quic falls back to a generated certificate
	if err := (ListenConfig{Kind: KindQUIC, Addr: ":0"}).Validate(); err != nil {
		t.Fatalf("dev quic should validate, got %v", err)
	}
	prodQUIC := ListenConfig{Kind: KindQUIC, Addr: ":0", SecurityMode: SecurityModeProduction, TLS: TLSConfig{Mutual: true, CAFile: "/tmp/ca.pem"}}
	if err := prodQUIC.Validate(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	bad := ListenConfig{Kind: KindTCP, Addr: ":0", SecurityMode: "staging"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}
