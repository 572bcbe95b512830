package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeMinter counts mints and returns deterministic tokens.
type fakeMinter struct {
	mints   int64
	expires int64
	fail    bool
}

func (f *fakeMinter) Mint(_ context.Context, audience Audience, deviceID string) (*TokenDetails, error) {
	if f.fail {
		return nil, fmt.Errorf("upstream unavailable")
	}
	n := atomic.AddInt64(&f.mints, 1)
	expires := f.expires
	if expires == 0 {
		expires = time.Now().Add(time.Hour).UnixMilli()
	}
	return &TokenDetails{
		Token:    fmt.Sprintf("tok-%s-%d", audience, n),
		Expires:  expires,
		Issued:   time.Now().UnixMilli(),
		ClientID: deviceID,
	}, nil
}

func startTestServer(t *testing.T, minter Minter) *Server {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "broker.sock")
	srv := NewServer(socketPath, "dev1", minter)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRequestTokenSuccess(t *testing.T) {
	minter := &fakeMinter{}
	srv := startTestServer(t, minter)

	details, err := RequestToken(context.Background(), srv.socketPath, srv.BrokerToken(AudiencePublisher), AudiencePublisher, "dev1")
	if err != nil {
		t.Fatalf("RequestToken: %v", err)
	}
	if details.Token == "" || details.ClientID != "dev1" {
		t.Errorf("details = %+v", details)
	}
}

func TestAudiencesAreMutuallyExclusive(t *testing.T) {
	srv := startTestServer(t, &fakeMinter{})

	// The publisher's broker token cannot mint for the ingress audience.
	_, err := RequestToken(context.Background(), srv.socketPath, srv.BrokerToken(AudiencePublisher), AudienceIngress, "dev1")
	if err == nil {
		t.Fatal("cross-audience mint succeeded")
	}
}

func TestRejectsBadBrokerToken(t *testing.T) {
	srv := startTestServer(t, &fakeMinter{})

	if _, err := RequestToken(context.Background(), srv.socketPath, "stolen", AudiencePublisher, "dev1"); err == nil {
		t.Fatal("request with bogus broker token succeeded")
	}
	if _, err := RequestToken(context.Background(), srv.socketPath, "", AudiencePublisher, "dev1"); err == nil {
		t.Fatal("request with empty broker token succeeded")
	}
}

func TestRejectsWrongDevice(t *testing.T) {
	srv := startTestServer(t, &fakeMinter{})

	if _, err := RequestToken(context.Background(), srv.socketPath, srv.BrokerToken(AudienceIngress), AudienceIngress, "other-device"); err == nil {
		t.Fatal("request for wrong device succeeded")
	}
}

func TestRejectsUnknownAudience(t *testing.T) {
	srv := startTestServer(t, &fakeMinter{})

	if _, err := RequestToken(context.Background(), srv.socketPath, srv.BrokerToken(AudiencePublisher), Audience("admin"), "dev1"); err == nil {
		t.Fatal("unknown audience succeeded")
	}
}

func TestTokenCacheAvoidsReminting(t *testing.T) {
	minter := &fakeMinter{}
	srv := startTestServer(t, minter)
	ctx := context.Background()

	first, err := RequestToken(ctx, srv.socketPath, srv.BrokerToken(AudiencePublisher), AudiencePublisher, "dev1")
	if err != nil {
		t.Fatalf("first RequestToken: %v", err)
	}
	second, err := RequestToken(ctx, srv.socketPath, srv.BrokerToken(AudiencePublisher), AudiencePublisher, "dev1")
	if err != nil {
		t.Fatalf("second RequestToken: %v", err)
	}
	if first.Token != second.Token {
		t.Errorf("cache miss: %q then %q", first.Token, second.Token)
	}
	if n := atomic.LoadInt64(&minter.mints); n != 1 {
		t.Errorf("minted %d times, want 1", n)
	}
}

func TestExpiringTokenIsReminted(t *testing.T) {
	// Tokens expiring inside the refresh margin are replaced.
	minter := &fakeMinter{expires: time.Now().Add(30 * time.Second).UnixMilli()}
	srv := startTestServer(t, minter)
	ctx := context.Background()

	if _, err := RequestToken(ctx, srv.socketPath, srv.BrokerToken(AudienceIngress), AudienceIngress, "dev1"); err != nil {
		t.Fatalf("first RequestToken: %v", err)
	}
	if _, err := RequestToken(ctx, srv.socketPath, srv.BrokerToken(AudienceIngress), AudienceIngress, "dev1"); err != nil {
		t.Fatalf("second RequestToken: %v", err)
	}
	if n := atomic.LoadInt64(&minter.mints); n != 2 {
		t.Errorf("minted %d times, want 2 for near-expiry tokens", n)
	}
}

func TestMinterFailureSurfacesAsRejection(t *testing.T) {
	srv := startTestServer(t, &fakeMinter{fail: true})

	if _, err := RequestToken(context.Background(), srv.socketPath, srv.BrokerToken(AudiencePublisher), AudiencePublisher, "dev1"); err == nil {
		t.Fatal("mint failure not surfaced")
	}
}

func TestCapabilityScoping(t *testing.T) {
	pub, err := capabilityFor(AudiencePublisher, "dev1")
	if err != nil {
		t.Fatalf("publisher capability: %v", err)
	}
	ing, err := capabilityFor(AudienceIngress, "dev1")
	if err != nil {
		t.Fatalf("ingress capability: %v", err)
	}
	if pub == ing {
		t.Error("audiences share a capability set")
	}
	for _, tc := range []struct{ capability, mustNotContain string }{
		{pub, "remote:"},
		{ing, "conversation"},
	} {
		if strings.Contains(tc.capability, tc.mustNotContain) {
			t.Errorf("capability %q leaks %q", tc.capability, tc.mustNotContain)
		}
	}
}
