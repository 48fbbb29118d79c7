// Package config loads the YAML configuration shared by the pairpilot relay,
// API and headless peer. Values start from Default, are overlaid by the file
// and then by PAIRPILOT_* environment variables for secrets; command-line
// flags take precedence over all of them.
package config
