package session

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackPath is the path component of the default redirect URI.
const CallbackPath = "/auth/callback"

// CallbackTimeout is how long the callback server waits for the user
// to come back from the identity provider.
const CallbackTimeout = 10 * time.Minute

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<h1>Signed in</h1>
<p>Authentication complete. You can close this window and return to the terminal.</p>
</body>
</html>`

const callbackErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Sign-in failed</title></head>
<body>
<h1>Sign-in failed</h1>
<p>{{.Error}}{{if .Description}}: {{.Description}}{{end}}</p>
<p>Return to the terminal and restart the sign-in.</p>
</body>
</html>`

// CallbackServer is a temporary loopback HTTP server receiving one
// OAuth redirect. It starts, waits for a single callback, then shuts
// down.
type CallbackServer struct {
	addr     string
	server   *http.Server
	listener net.Listener
	urlCh    chan string
	errorCh  chan error
	once     sync.Once
	origin   string
}

// NewCallbackServer creates a callback server for the given listen
// address. "127.0.0.1:0" picks an ephemeral port.
func NewCallbackServer(addr string) *CallbackServer {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &CallbackServer{
		addr:    addr,
		urlCh:   make(chan string, 1),
		errorCh: make(chan error, 1),
	}
}

// Start begins listening and returns the callback origin
// (scheme://host:port) to build redirect URIs from. The server stops
// when the context is cancelled.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.origin = fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port)

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.origin, nil
}

// Origin returns the server's origin once started.
func (s *CallbackServer) Origin() string {
	return s.origin
}

// RedirectURI returns the full redirect URI for this server.
func (s *CallbackServer) RedirectURI() string {
	return s.origin + CallbackPath
}

// WaitForCallback blocks until the redirect lands (returning the full
// callback URL), the server fails, or the context expires.
func (s *CallbackServer) WaitForCallback(ctx context.Context) (string, error) {
	select {
	case u := <-s.urlCh:
		return u, nil
	case err := <-s.errorCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handleCallback processes the redirect. sync.Once keeps re-invocations
// (browser refresh, prefetchers) from delivering a second URL.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()

	var tmpl *template.Template
	var data any
	if errCode := query.Get("error"); errCode != "" {
		tmpl = template.Must(template.New("error").Parse(callbackErrorHTML))
		data = map[string]string{
			"Error":       errCode,
			"Description": query.Get("error_description"),
		}
	} else {
		tmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
		data = map[string]string{}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	fullURL := s.origin + r.URL.String()
	select {
	case s.urlCh <- fullURL:
	default:
	}

	// Let the response flush before tearing the listener down.
	go func() {
		time.Sleep(1 * time.Second)
		s.Stop()
	}()
}

// Stop gracefully shuts the server down. Safe to call more than once.
func (s *CallbackServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
