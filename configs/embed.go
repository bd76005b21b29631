// Package configs embeds the configuration template written by
// `uciagent config init`.
//
// Configuration hierarchy (see internal/config Load):
//  1. Hardcoded defaults (internal/config NewConfig)
//  2. User config (~/.config/uciagent/config.yaml)
//  3. Project config (.uciagent.yaml)
//  4. Environment variables (UCIAGENT_*)
package configs

import _ "embed"

// ProjectConfigTemplate is a commented .uciagent.yaml holding the defaults.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
