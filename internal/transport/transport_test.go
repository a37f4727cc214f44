package transport

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/cpor/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 125*time.Millisecond || got > 375*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestMemoryPairRoundTrip(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemoryPair()
	ctx := context.Background()
	if err := a.SendBytes(ctx, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, err := b.ReceiveBytes(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(raw) != "ping" {
		t.Fatalf("payload got=%q", raw)
	}
}

func TestMemoryDropSeversBothSides(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemoryPair()
	ctx := context.Background()
	a.Drop()
	if err := a.SendBytes(ctx, []byte("x")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send after drop: %v", err)
	}
	if _, err := b.ReceiveBytes(ctx); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("receive after drop: %v", err)
	}
}

func TestMemoryDropWakesBlockedReceiver(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemoryPair()
	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReceiveBytes(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Drop()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver not woken by drop")
	}
}

func TestMemoryReconnectRestoresLink(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemoryPair()
	ctx := context.Background()
	a.Drop()
	if err := a.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect a: %v", err)
	}
	// Frames sent before the peer re-attaches are buffered in the fresh
	// generation.
	if err := a.SendBytes(ctx, []byte("resume")); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if _, err := b.ReceiveBytes(ctx); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("stale endpoint should stay disconnected, got %v", err)
	}
	if err := b.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect b: %v", err)
	}
	raw, err := b.ReceiveBytes(ctx)
	if err != nil {
		t.Fatalf("receive after reconnect: %v", err)
	}
	if string(raw) != "resume" {
		t.Fatalf("payload got=%q", raw)
	}
}

func TestMemoryCloseIsTerminal(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemoryPair()
	ctx := context.Background()
	_ = a.Close()
	if err := b.SendBytes(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := b.Reconnect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("reconnect after close: %v", err)
	}
}

func TestValidateClientSecurityProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	var cfg TLSConfig
	if err := ValidateClientSecurity(SecurityModeProduction, cfg); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.Enabled = true
	if err := ValidateClientSecurity(SecurityModeProduction, cfg); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateClientSecurityMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := TLSConfig{Enabled: true, Mutual: true}
	if err := ValidateClientSecurity(SecurityModeDevelopment, cfg); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.CAFile = "/tmp/ca.pem"
	if err := ValidateClientSecurity(SecurityModeDevelopment, cfg); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.CertFile = "/tmp/client.pem"
	if err := ValidateClientSecurity(SecurityModeDevelopment, cfg); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.KeyFile = "/tmp/client.key"
	if err := ValidateClientSecurity(SecurityModeDevelopment, cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateServerSecurityProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	var cfg TLSConfig
	if err := ValidateServerSecurity(SecurityModeProduction, cfg); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.Enabled = true
	if err := ValidateServerSecurity(SecurityModeProduction, cfg); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
}

func TestValidateSecurityRejectsUnknownMode(t *testing.T) {
	testlog.Start(t)
	if err := ValidateClientSecurity("staging", TLSConfig{}); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}
