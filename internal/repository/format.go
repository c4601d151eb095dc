package repository

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatStats returns a short summary of the repository and its index.
func FormatStats(dir string, s Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", dir)
	fmt.Fprintf(&b, "Sessions: %d\n", s.Sessions)
	fmt.Fprintf(&b, "Files: %d (%d corrupt)\n", s.Files, s.Corrupt)
	return b.String()
}

// FormatSessionList returns a table of sessions. Returns "No sessions.\n"
// if the slice is empty.
func FormatSessionList(sessions []SessionRecord) string {
	if len(sessions) == 0 {
		return "No sessions.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-9s %-6s %-8s %-6s %-20s\n",
		"ID", "APPLICATION", "STATUS", "FILES", "MESSAGES", "ERRORS", "STARTED")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-36s %-20s %-9s %-6d %-8d %-6d %-20s\n",
			s.ID, truncate(s.Product+"/"+s.Application, 20), s.Status, s.Files,
			s.Messages, s.Critical+s.Errors, shortTime(s.StartTime))
	}
	return b.String()
}

// FormatScanResult summarises a scan, listing corrupt files.
func FormatScanResult(r ScanResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %d files: %d indexed, %d skipped, %d corrupt, %d removed from index\n",
		r.Scanned, r.Indexed, r.Skipped, r.Corrupt, r.Removed)
	for _, p := range r.CorruptFiles {
		fmt.Fprintf(&b, "  corrupt: %s\n", p)
	}
	return b.String()
}

// FormatSessionListJSON returns the sessions as indented JSON.
func FormatSessionListJSON(sessions []SessionRecord) (string, error) {
	if sessions == nil {
		sessions = []SessionRecord{}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("repository: json marshal: %w", err)
	}
	return string(data), nil
}

// FormatScanResultJSON returns the scan result as indented JSON.
func FormatScanResultJSON(r ScanResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("repository: json marshal: %w", err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// shortTime trims stored times to the second.
func shortTime(s string) string {
	if len(s) >= 19 {
		return strings.Replace(s[:19], "T", " ", 1)
	}
	return s
}

// FormatPruneResult summarises a prune.
func FormatPruneResult(r PruneResult, dryRun bool) string {
	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d sessions (%d files, %d bytes)\n", verb, r.SessionsRemoved, r.FilesRemoved, r.BytesFreed)
	for _, id := range r.Sessions {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	return b.String()
}
