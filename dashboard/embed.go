// Package dashboard provides the embedded web UI for a climapulse board.
//
// The page lists every source with its latest temperature, humidity and
// state, and updates live from the board's Server-Sent Events stream. It
// is embedded at compile time so the CLI ships as a single binary.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Reading cards with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
