// Package scheduler drives the poll loop.
//
// The loop has two states. ACTIVE runs a pipeline cycle for every group, waits
// poll_interval and repeats until the activity window closes. QUIESCENT sleeps
// until shortly before the next window, renews the session token, then waits
// for the window to open.
//
// The window is anchored on a daily release boundary given as a cron spec in
// a configured timezone: [boundary - open_before, boundary + close_after).
// All waits go through an injected Clock and end early on context
// cancellation or configuration change.
package scheduler
