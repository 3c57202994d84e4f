// Package formatter renders a finished export for the output file.
package formatter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"dex/internal/envelope"
)

// Formats lists the supported output formats.
var Formats = []string{"json", "markdown"}

// Format renders env in the given format.
func Format(env envelope.Envelope, format string) ([]byte, error) {
	switch format {
	case "json":
		b, err := json.MarshalIndent(env, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode export: %w", err)
		}
		return append(b, '\n'), nil
	case "markdown":
		return markdown(env)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// InferFormat infers the output format from the file extension, falling
// back to json.
func InferFormat(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return "markdown"
	default:
		return "json"
	}
}

func markdown(env envelope.Envelope) ([]byte, error) {
	var sb strings.Builder

	platform, _ := env[envelope.KeyPlatform].(string)
	fmt.Fprintf(&sb, "# %s export\n\n", platform)
	if ts, ok := env[envelope.KeyTimestamp].(string); ok {
		fmt.Fprintf(&sb, "Exported at %s", ts)
		if v, ok := env[envelope.KeyVersion].(string); ok {
			fmt.Fprintf(&sb, " by connector version %s", v)
		}
		sb.WriteString("\n\n")
	}

	if sum, ok := summaryOf(env); ok {
		fmt.Fprintf(&sb, "**%d %s**", sum.Count, sum.Label)
		if sum.Details != "" {
			fmt.Fprintf(&sb, " (%s)", sum.Details)
		}
		sb.WriteString("\n\n")
	}

	for _, scope := range env.Scopes() {
		fmt.Fprintf(&sb, "## %s\n\n", scope)
		b, err := json.MarshalIndent(env[scope], "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", scope, err)
		}
		sb.WriteString("```json\n")
		sb.Write(b)
		sb.WriteString("\n```\n\n")
	}
	return []byte(sb.String()), nil
}

// summaryOf reads the summary whether env was built in process or decoded
// from the worker's JSON.
func summaryOf(env envelope.Envelope) (envelope.Summary, bool) {
	switch v := env[envelope.KeySummary].(type) {
	case envelope.Summary:
		return v, true
	case map[string]any:
		var sum envelope.Summary
		b, err := json.Marshal(v)
		if err != nil {
			return sum, false
		}
		return sum, json.Unmarshal(b, &sum) == nil
	}
	return envelope.Summary{}, false
}
