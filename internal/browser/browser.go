package browser

import (
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config controls how the browser process is launched.
type Config struct {
	ProxyURL   string
	Headless   bool
	ProfileDir string // persistent user data dir; a temporary one is used when empty
}

// Browser wraps one rod.Browser process.
type Browser struct {
	browser    *rod.Browser
	launcher   *launcher.Launcher
	profileDir string
}

// New launches a browser process for cfg. ProfileDir must already be set
// when the profile should outlive the process.
func New(cfg Config) (*Browser, error) {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.ProfileDir != "" {
		if err := os.MkdirAll(cfg.ProfileDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create profile dir: %w", err)
		}
		l = l.UserDataDir(cfg.ProfileDir)
	}
	if cfg.ProxyURL != "" {
		l = l.Proxy(cfg.ProxyURL)
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &Browser{
		browser:    b,
		launcher:   l,
		profileDir: cfg.ProfileDir,
	}, nil
}

// NewPage opens a blank page with the stealth patches applied.
func (b *Browser) NewPage() (*rod.Page, error) {
	page, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("failed to apply stealth script: %w", err)
	}
	return page, nil
}

// Close shuts the browser down. The profile directory is left in place.
func (b *Browser) Close() error {
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			b.launcher.Kill()
			return err
		}
	}
	if b.launcher != nil {
		b.launcher.Kill()
	}
	return nil
}
