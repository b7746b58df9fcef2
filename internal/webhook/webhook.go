// Package webhook implements the serve mode: a GitHub push webhook receiver
// that mirrors the pushed repository.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mapsyncd/mapsyncd/internal/activation"
	"github.com/mapsyncd/mapsyncd/internal/config"
	mapsyncd "github.com/mapsyncd/mapsyncd/internal/sync"
)

// Runner performs mirror runs
type Runner interface {
	Run(ctx context.Context) (mapsyncd.Summary, error)
	RunRepository(ctx context.Context, repository string) (mapsyncd.Result, error)
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	runner Runner
	logger *slog.Logger
	secret []byte

	runCtx context.Context

	queueMu sync.Mutex
	queued  map[string]struct{} // repositories waiting for the debounce to fire

	syncMu      sync.Mutex          // guards syncRunning and syncPending
	syncRunning bool                // whether a run is currently in progress
	syncPending map[string]struct{} // repositories to run after the current one

	debounce *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	delay := cfg.Serve.Debounce
	if delay <= 0 {
		delay = config.DefaultDebounce
	}

	return &Server{
		cfg:         cfg,
		runner:      runner,
		logger:      logger,
		secret:      secret,
		runCtx:      context.Background(),
		queued:      make(map[string]struct{}),
		syncPending: make(map[string]struct{}),
		debounce:    &debouncer{delay: delay},
	}, nil
}

// Handler returns the HTTP handler serving the webhook and health endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start mirrors all sources once, then serves webhooks until ctx is done.
// The listener comes from systemd socket activation when present, otherwise
// from serve.listen_addr.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	if _, err := s.runner.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Error("initial sync failed", "error", err)
	}

	if activation.Activated() {
		s.logger.Info("using systemd socket activation")
	}
	listener, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve handles webhooks on listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	// GitHub sends a ping when the hook is created
	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	// Check if event type is allowed
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	// Parse push event
	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	src, ok := s.cfg.FindSource(event.Repository.FullName)
	if !ok {
		s.logger.Info("ignoring unconfigured repository", "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not configured\n")
		return
	}

	// Check if ref is the mirrored branch
	if !isRefMirrored(src, event) {
		s.logger.Info("ignoring push to other branch", "repo", src.Repository, "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", src.Repository)

	// Trigger debounced sync
	s.enqueue(src.Repository)

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Compute expected signature
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefMirrored reports whether the pushed ref is the branch mirrored for
// src. Events without a ref, or without a known branch to compare against,
// are accepted.
func isRefMirrored(src config.Source, event GitHubPushEvent) bool {
	if event.Ref == "" {
		return true
	}

	branch := src.Branch
	if branch == "" {
		branch = event.Repository.DefaultBranch
	}
	if branch == "" {
		return true
	}
	return event.Ref == "refs/heads/"+branch
}

// enqueue adds repository to the debounced batch
func (s *Server) enqueue(repository string) {
	s.queueMu.Lock()
	s.queued[repository] = struct{}{}
	s.queueMu.Unlock()

	s.debounce.trigger(s.flush)
}

// flush runs the repositories collected since the last debounce
func (s *Server) flush() {
	s.queueMu.Lock()
	repos := sortedKeys(s.queued)
	s.queued = make(map[string]struct{})
	s.queueMu.Unlock()

	if len(repos) > 0 {
		s.performSync(s.runCtx, repos)
	}
}

// performSync mirrors repos with single-flight semantics. If a run is
// already in progress the repositories are added to the pending set, which
// is serviced once the current run finishes.
func (s *Server) performSync(ctx context.Context, repos []string) {
	s.syncMu.Lock()
	if s.syncRunning {
		for _, repo := range repos {
			s.syncPending[repo] = struct{}{}
		}
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run", "repos", repos)
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		for _, repo := range repos {
			if ctx.Err() != nil {
				break
			}
			s.logger.Info("performing sync operation", "repo", repo)
			result, err := s.runner.RunRepository(ctx, repo)
			if err != nil {
				s.logger.Error("sync failed", "repo", repo, "error", err)
				continue
			}
			s.logger.Info("sync completed successfully",
				"repo", repo,
				"downloaded", result.Downloaded,
				"up_to_date", result.UpToDate,
				"failed", result.Failed)
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, take
		// the pending set and loop to service it.
		s.syncMu.Lock()
		if len(s.syncPending) == 0 || ctx.Err() != nil {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		repos = sortedKeys(s.syncPending)
		s.syncPending = make(map[string]struct{})
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request", "repos", repos)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
}
