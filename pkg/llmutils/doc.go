// Package llmutils has helpers to render values and measure model traffic.
package llmutils
