package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"dex/internal/poll"
	"dex/internal/surface"
)

// Session is a single-page browser session implementing surface.Surface.
// Navigation and page scripts hold the page exclusively; background fetches
// share it.
type Session struct {
	poll.RealClock

	cfg         Config
	tempProfile bool
	logger      *slog.Logger
	onCapture   func(surface.Capture)

	mu         sync.RWMutex
	browser    *Browser
	page       *rod.Page
	stopEvents context.CancelFunc

	capMu    sync.Mutex
	patterns map[string]string
	captured map[string]surface.Capture
	pending  map[proto.NetworkRequestID]string
}

// Option configures Launch.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithCaptureHook is called for every response matching a capture pattern.
func WithCaptureHook(fn func(surface.Capture)) Option {
	return func(s *Session) { s.onCapture = fn }
}

// Launch starts a browser and opens the session page. Without a profile dir
// a temporary one is created so Reveal and Hide keep the login.
func Launch(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:      cfg,
		logger:   slog.Default(),
		patterns: make(map[string]string),
		captured: make(map[string]surface.Capture),
		pending:  make(map[proto.NetworkRequestID]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.ProfileDir == "" {
		dir, err := os.MkdirTemp("", "dex-profile-")
		if err != nil {
			return nil, fmt.Errorf("failed to create profile dir: %w", err)
		}
		s.cfg.ProfileDir = dir
		s.tempProfile = true
	}

	if err := s.open(""); err != nil {
		s.cleanup()
		return nil, err
	}
	return s, nil
}

// open launches the browser with the current config and navigates to url.
// Callers hold mu, except Launch.
func (s *Session) open(url string) error {
	b, err := New(s.cfg)
	if err != nil {
		return err
	}
	page, err := b.NewPage()
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to enable network events: %w", err)
	}

	evCtx, cancel := context.WithCancel(context.Background())
	wait := page.Context(evCtx).EachEvent(
		func(e *proto.NetworkResponseReceived) {
			s.responseReceived(e.RequestID, e.Response.URL)
		},
		func(e *proto.NetworkLoadingFinished) {
			go s.loadingFinished(page, e.RequestID)
		},
	)
	go wait()

	s.browser, s.page, s.stopEvents = b, page, cancel

	if url != "" && url != "about:blank" {
		if err := page.Timeout(30 * time.Second).Navigate(url); err != nil {
			return fmt.Errorf("failed to navigate to %s: %w", url, err)
		}
	}
	return nil
}

func (s *Session) shut() error {
	if s.stopEvents != nil {
		s.stopEvents()
	}
	if s.browser == nil {
		return nil
	}
	err := s.browser.Close()
	s.browser, s.page = nil, nil
	return err
}

func (s *Session) cleanup() {
	if s.tempProfile {
		_ = os.RemoveAll(s.cfg.ProfileDir)
	}
}

// relaunch restarts the browser on the same profile, headless or not, and
// returns to the page that was open.
func (s *Session) relaunch(headless bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Headless == headless && s.page != nil {
		return nil
	}
	current := ""
	if s.page != nil {
		if info, err := s.page.Info(); err == nil {
			current = info.URL
		}
	}
	if err := s.shut(); err != nil {
		s.logger.Warn("browser close failed", "error", err)
	}
	s.cfg.Headless = headless
	s.logger.Debug("relaunching browser", "headless", headless, "url", current)
	return s.open(current)
}

func (s *Session) Reveal(context.Context) error { return s.relaunch(false) }

func (s *Session) Hide(context.Context) error { return s.relaunch(true) }

func (s *Session) Visible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.cfg.Headless
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return fmt.Errorf("browser is closed")
	}
	page := s.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		s.logger.Debug("page load wait failed", "url", url, "error", err)
	}
	return nil
}

func (s *Session) Invoke(ctx context.Context, op surface.Op) (json.RawMessage, error) {
	sc, err := lookup(op)
	if err != nil {
		return nil, err
	}

	if op.Background() {
		s.mu.RLock()
		defer s.mu.RUnlock()
	} else {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if s.page == nil {
		return nil, fmt.Errorf("browser is closed")
	}
	page := s.page.Context(ctx)

	if op.Name == surface.OpCookie {
		return s.cookie(page, fmt.Sprint(op.Args[0]))
	}

	res, err := page.Eval(sc.js, op.Args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res.Value)
}

func (s *Session) cookie(page *rod.Page, name string) (json.RawMessage, error) {
	info, err := page.Info()
	if err != nil {
		return nil, err
	}
	cookies, err := page.Cookies([]string{info.URL})
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == name {
			return json.Marshal(c.Value)
		}
	}
	return json.Marshal("")
}

func (s *Session) Capture(key, pattern string) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.patterns[key] = pattern
}

func (s *Session) Captured(key string) (surface.Capture, bool) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	c, ok := s.captured[key]
	return c, ok
}

func (s *Session) responseReceived(id proto.NetworkRequestID, url string) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	if len(matchKeys(s.patterns, url)) > 0 {
		s.pending[id] = url
	}
}

func (s *Session) loadingFinished(page *rod.Page, id proto.NetworkRequestID) {
	s.capMu.Lock()
	url, ok := s.pending[id]
	delete(s.pending, id)
	s.capMu.Unlock()
	if !ok {
		return
	}

	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		s.logger.Debug("response body unavailable", "url", url, "error", err)
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		if body, err = base64.StdEncoding.DecodeString(res.Body); err != nil {
			return
		}
	}

	s.capMu.Lock()
	var hits []surface.Capture
	for _, key := range matchKeys(s.patterns, url) {
		c := surface.Capture{Key: key, URL: url, Body: body, At: time.Now()}
		s.captured[key] = c
		hits = append(hits, c)
	}
	notify := s.onCapture
	s.capMu.Unlock()

	for _, c := range hits {
		s.logger.Debug("network response captured", "key", c.Key, "url", c.URL)
		if notify != nil {
			notify(c)
		}
	}
}

// matchKeys returns the capture keys whose pattern occurs in url, sorted.
func matchKeys(patterns map[string]string, url string) []string {
	var keys []string
	for key, pattern := range patterns {
		if pattern != "" && strings.Contains(url, pattern) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close shuts the browser down and removes a temporary profile.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.shut()
	s.cleanup()
	return err
}

var _ surface.Surface = (*Session)(nil)
