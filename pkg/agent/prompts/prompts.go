// Package prompts embeds the default prompt templates and user-facing messages.
package prompts

import "embed"

//go:embed graph/*.md chain/*.md messages.yaml
var FS embed.FS
