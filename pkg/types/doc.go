// Package types defines the data model shared by every replguard package:
// snapshots, issues, cooldown entries, healing actions, policies and run
// summaries.
package types
