package session

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestCallbackServer_StartPicksPort(t *testing.T) {
	s := NewCallbackServer("")
	origin, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Failed to start callback server: %v", err)
	}
	defer s.Stop()

	if !strings.HasPrefix(origin, "http://127.0.0.1:") {
		t.Errorf("Expected loopback origin, got %q", origin)
	}
	if s.RedirectURI() != origin+CallbackPath {
		t.Errorf("Unexpected redirect URI %q", s.RedirectURI())
	}
}

func TestCallbackServer_DeliversFullCallbackURL(t *testing.T) {
	s := NewCallbackServer("")
	origin, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Failed to start callback server: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get(origin + CallbackPath + "?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("Callback request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Signed in") {
		t.Error("Expected success page")
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Expected no-store cache header, got %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	callbackURL, err := s.WaitForCallback(ctx)
	if err != nil {
		t.Fatalf("WaitForCallback failed: %v", err)
	}

	u, err := url.Parse(callbackURL)
	if err != nil {
		t.Fatalf("Delivered URL is malformed: %v", err)
	}
	if u.Query().Get("code") != "abc" || u.Query().Get("state") != "xyz" {
		t.Errorf("Expected code and state preserved, got %q", callbackURL)
	}
}

func TestCallbackServer_SecondRequestRejected(t *testing.T) {
	s := NewCallbackServer("")
	origin, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Failed to start callback server: %v", err)
	}
	defer s.Stop()

	first, err := http.Get(origin + CallbackPath + "?code=abc")
	if err != nil {
		t.Fatalf("First callback failed: %v", err)
	}
	first.Body.Close()

	second, err := http.Get(origin + CallbackPath + "?code=replay")
	if err != nil {
		// The server may already be shutting down; that also counts
		// as rejecting the replay.
		return
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a replayed callback, got %d", second.StatusCode)
	}
}

func TestCallbackServer_ErrorRedirectRendersErrorPage(t *testing.T) {
	s := NewCallbackServer("")
	origin, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Failed to start callback server: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get(origin + CallbackPath + "?error=access_denied&error_description=user+cancelled")
	if err != nil {
		t.Fatalf("Callback request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "access_denied") {
		t.Error("Expected the error code on the page")
	}

	// The URL is still delivered; classification happens in the
	// session, not in the HTTP handler.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	callbackURL, err := s.WaitForCallback(ctx)
	if err != nil {
		t.Fatalf("WaitForCallback failed: %v", err)
	}
	if !strings.Contains(callbackURL, "error=access_denied") {
		t.Errorf("Expected error parameters preserved, got %q", callbackURL)
	}
}

func TestCallbackServer_WaitTimesOut(t *testing.T) {
	s := NewCallbackServer("")
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start callback server: %v", err)
	}
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.WaitForCallback(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
