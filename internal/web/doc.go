// Package web serves the control surface: a small JSON API for status,
// settings and manual posting, plus a WebSocket feed of live events.
package web
