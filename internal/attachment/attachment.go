// Package attachment serves large (>=64KB) attachment payloads over an
// ephemeral, single-use HTTP listener, per the wire protocol's
// url-reference attachment mode: inline attachments stay embedded in
// the envelope, large ones are fetched by the recipient from the URL
// this package hands back.
package attachment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// InlineMaxBytes is the threshold at or above which a payload is served by
// reference instead of being embedded in the envelope.
const InlineMaxBytes = 64 * 1024

// Lifetime bounds how long a scoped server stays up waiting for the one
// fetch it exists to serve.
const Lifetime = 5 * time.Minute

// Server serves one attachment's bytes at a random path on an ephemeral
// localhost port, then tears itself down once fetched or once Lifetime
// elapses, whichever comes first.
type Server struct {
	URL  string
	done chan struct{}
}

// Serve starts the scoped listener for data with the given mime type and
// returns its callback URL. The caller must arrange for the advertised
// host/port to be reachable by the recipient (typically the node's own
// external address); selfHost is that externally-reachable host.
func Serve(ctx context.Context, selfHost string, data []byte, mimeType string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("attachment: generate token: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("attachment: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	path := "/attachments/" + token

	mux := http.NewServeMux()
	fetched := make(chan struct{}, 1)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("attachment handler panic", "recover", rec)
			}
		}()
		w.Header().Set("Content-Type", mimeType)
		_, _ = w.Write(data)
		select {
		case fetched <- struct{}{}:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		serverErr := make(chan error, 1)
		go func() { serverErr <- srv.Serve(ln) }()

		lifetimeCtx, cancel := context.WithTimeout(ctx, Lifetime)
		defer cancel()

		select {
		case <-fetched:
		case <-lifetimeCtx.Done():
			logger.Debug("attachment server lifetime expired unfetched", "path", path)
		case err := <-serverErr:
			if err != nil && err != http.ErrServerClosed {
				logger.Warn("attachment server error", "error", err)
			}
			return
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return &Server{
		URL:  fmt.Sprintf("http://%s:%d%s", selfHost, port, path),
		done: done,
	}, nil
}

// Wait blocks until the scoped server has torn down (served or expired).
func (s *Server) Wait() {
	<-s.done
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
