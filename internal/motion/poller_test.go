package motion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Vigil-NVR/VigilNVR/internal/camera"
)

// fakeReolink emulates the camera's api.cgi: Login issues a token,
// GetMdState answers the current state when the token matches.
type fakeReolink struct {
	srv    *httptest.Server
	state  atomic.Int32
	broken atomic.Bool
	logins atomic.Int32
	polls  atomic.Int32
}

func newFakeReolink(t *testing.T) *fakeReolink {
	t.Helper()
	f := &fakeReolink{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cmd") {
		case "Login":
			f.logins.Add(1)
			fmt.Fprint(w, `[{"cmd":"Login","code":0,"value":{"Token":{"leaseTime":3600,"name":"tok123"}}}]`)
		case "GetMdState":
			f.polls.Add(1)
			if f.broken.Load() {
				fmt.Fprint(w, `[{"cmd":"GetMdState","error":{"rspCode":-6,"detail":"please login first"}}]`)
				return
			}
			if r.URL.Query().Get("token") != "tok123" {
				fmt.Fprint(w, `[{"cmd":"GetMdState","error":{"rspCode":-1,"detail":"invalid token"}}]`)
				return
			}
			fmt.Fprintf(w, `[{"cmd":"GetMdState","code":0,"value":{"state":%d}}]`, f.state.Load())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeReolink) camera() *camera.Camera {
	return &camera.Camera{
		Key:      "C1",
		IP:       strings.TrimPrefix(f.srv.URL, "http://"),
		Password: "pw",
	}
}

func TestCheckReportsMotionState(t *testing.T) {
	f := newFakeReolink(t)
	p := NewPoller(slog.Default())
	cam := f.camera()

	moved, err := p.Check(context.Background(), cam)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if moved {
		t.Error("Expected no motion")
	}

	f.state.Store(1)
	moved, err = p.Check(context.Background(), cam)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !moved {
		t.Error("Expected motion")
	}

	if f.logins.Load() != 1 {
		t.Errorf("Expected a single cached login, got %d", f.logins.Load())
	}
}

func TestCheckExplicitMotionURL(t *testing.T) {
	f := newFakeReolink(t)
	p := NewPoller(slog.Default())

	cam := &camera.Camera{
		Key:       "C2",
		MotionURL: f.srv.URL + "/cgi-bin/api.cgi?cmd=GetMdState&token=tok123",
	}
	if _, err := p.Check(context.Background(), cam); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if f.logins.Load() != 0 {
		t.Error("Explicit motion URL must not trigger a login")
	}
}

func TestCheckErrorDropsToken(t *testing.T) {
	f := newFakeReolink(t)
	p := NewPoller(slog.Default())
	cam := f.camera()

	if _, err := p.Check(context.Background(), cam); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	f.broken.Store(true)
	if _, err := p.Check(context.Background(), cam); err == nil {
		t.Fatal("Expected error from broken camera")
	}

	f.broken.Store(false)
	if _, err := p.Check(context.Background(), cam); err != nil {
		t.Fatalf("Check after recovery failed: %v", err)
	}
	if f.logins.Load() != 2 {
		t.Errorf("Expected re-login after error, got %d logins", f.logins.Load())
	}
}

func TestCheckTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	p := NewPoller(slog.Default())
	p.client.Timeout = 50 * time.Millisecond

	cam := &camera.Camera{Key: "C3", MotionURL: srv.URL}
	if _, err := p.Check(context.Background(), cam); err == nil {
		t.Error("Expected timeout error")
	}
}

func TestCheckMissingEndpoint(t *testing.T) {
	p := NewPoller(slog.Default())
	if _, err := p.Check(context.Background(), &camera.Camera{Key: "C4"}); err == nil {
		t.Error("Expected error for camera without endpoint")
	}
}

func TestTryBeginGuards(t *testing.T) {
	p := NewPoller(slog.Default())
	nowMS := int64(1_756_000_000_000)

	if !p.TryBegin("C1", 1000, nowMS) {
		t.Fatal("First claim refused")
	}
	if p.TryBegin("C1", 1000, nowMS) {
		t.Error("Claim granted while poll in flight")
	}

	p.Finish("C1", true, nowMS)
	if p.TryBegin("C1", 1000, nowMS+500) {
		t.Error("Claim granted before the poll frequency elapsed")
	}
	if !p.TryBegin("C1", 1000, nowMS+1000) {
		t.Error("Claim refused after the poll frequency elapsed")
	}
}

func TestBreakerBacksOff(t *testing.T) {
	p := NewPoller(slog.Default())
	nowMS := int64(1_756_000_000_000)

	if !p.TryBegin("C1", 1000, nowMS) {
		t.Fatal("Claim refused")
	}
	p.Finish("C1", false, nowMS)

	if p.Allowed("C1", nowMS) {
		t.Error("Breaker open right after failure")
	}
	if !p.Failing("C1") {
		t.Error("Failing not reported")
	}
	// First failure backs off by the base delay.
	if p.TryBegin("C1", 1000, nowMS+1999) {
		t.Error("Claim granted inside the backoff window")
	}
	if !p.TryBegin("C1", 1000, nowMS+2000) {
		t.Error("Claim refused after the backoff window")
	}
	p.Finish("C1", true, nowMS+2000)
	if p.Failing("C1") {
		t.Error("Breaker still failing after success")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestMarkFailed(t *testing.T) {
	p := NewPoller(slog.Default())
	nowMS := int64(1_756_000_000_000)

	p.MarkFailed("C1", nowMS)
	if p.Allowed("C1", nowMS) {
		t.Error("Breaker open after MarkFailed")
	}
	if p.Allowed("C1", nowMS+1999) {
		t.Error("Breaker open inside backoff window")
	}
	if !p.Allowed("C1", nowMS+2000) {
		t.Error("Breaker closed past the backoff window")
	}

	p.Forget("C1")
	if !p.Allowed("C1", nowMS) {
		t.Error("Forget did not reset the breaker")
	}
}

func TestSanitizeMotionURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{
			"http://10.0.0.5/cgi-bin/api.cgi?cmd=GetMdState&token=abc123",
			"http://10.0.0.5/cgi-bin/api.cgi?cmd=GetMdState&token=***",
		},
		{
			"http://10.0.0.5/cgi-bin/api.cgi?token=abc123&cmd=GetMdState",
			"http://10.0.0.5/cgi-bin/api.cgi?token=***&cmd=GetMdState",
		},
		{
			"http://10.0.0.5/poll",
			"http://10.0.0.5/poll",
		},
	}
	for _, tt := range tests {
		if got := SanitizeMotionURL(tt.in); got != tt.want {
			t.Errorf("SanitizeMotionURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
