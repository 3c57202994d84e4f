package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"dex/internal/config"
	"dex/internal/connector"
	"dex/internal/orchestrator"
	"dex/internal/progress"
)

var _ orchestrator.Handler = (*console)(nil)

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "", normalizeURL("  "))
	assert.Equal(t, "https://xueqiu.com", normalizeURL("xueqiu.com"))
	assert.Equal(t, "http://localhost:8080/a", normalizeURL("http://localhost:8080/a"))
	assert.Equal(t, "HTTPS://EXAMPLE.COM", normalizeURL("HTTPS://EXAMPLE.COM"))
}

func TestRunExportRequiresURLForGeneric(t *testing.T) {
	targetURL = ""
	err := runExport(&cobra.Command{}, []string{"generic"})
	assert.ErrorIs(t, err, connector.ErrURLRequired)
}

func TestWorkerArgs(t *testing.T) {
	verbose, configPath = true, "dex.yaml"
	t.Cleanup(func() { verbose, configPath = false, "" })

	args := workerArgs(&config.Config{ProfileDir: "/tmp/profile", Proxy: "http://127.0.0.1:7890"})
	assert.Equal(t, []string{
		"--verbose",
		"--config", "dex.yaml",
		"--profile-dir", "/tmp/profile",
		"--proxy", "http://127.0.0.1:7890",
	}, args)

	verbose, configPath = false, ""
	assert.Empty(t, workerArgs(&config.Config{}))
}

func TestConsole(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	c := newConsole(&buf, false)
	c.Status("Checking login status...")
	c.Status("Warning: post details unavailable (timeout)")
	c.Progress(progress.Update{Phase: progress.Phase{Step: 2, Total: 3, Label: "posts"}, Message: "Collected 40 posts"})
	c.Log("Skipped 1 posts")
	c.Data("warning.xueqiu.post_details", json.RawMessage(`"timeout"`))
	c.Debug("hidden")
	c.Raw("hidden")

	assert.Equal(t, "› Checking login status...\n"+
		"! Warning: post details unavailable (timeout)\n"+
		"[2/3] Collected 40 posts\n"+
		"  Skipped 1 posts\n", buf.String())
}

func TestConsoleVerbose(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	c := newConsole(&buf, true)
	c.Debug("page 1 via api")
	c.Captured("posts", "https://xueqiu.com/v4/statuses/user_timeline.json")
	c.Raw("DevTools listening")

	assert.Contains(t, buf.String(), "debug: page 1 via api")
	assert.Contains(t, buf.String(), "captured posts: https://xueqiu.com/v4/statuses/user_timeline.json")
	assert.Contains(t, buf.String(), "worker: DevTools listening")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abc", 2))
}
