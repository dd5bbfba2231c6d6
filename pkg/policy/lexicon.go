package policy

import "regexp"

// destructiveLexicon matches command shapes that are catastrophic when run
// unconditionally. Each entry carries a label used in deny reasons and an
// optional guard: RE2 has no lookahead, so "unless qualified" entries pair
// the match with a second pattern that suppresses it.
var destructiveLexicon = []struct {
	label string
	re    *regexp.Regexp
	guard *regexp.Regexp
}{
	{"unconditional_table_drop",
		regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b`),
		regexp.MustCompile(`(?i)\bdrop\s+(table|database|schema)\b.*\bwhere\b`)},
	{"unconditional_delete", regexp.MustCompile(`(?i)\bdelete\s+from\s+\S+\s*;?\s*$`), nil},
	{"truncate_table", regexp.MustCompile(`(?i)\btruncate\s+(table\s+)?\S+`), nil},
	{"recursive_root_delete", regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r)[a-zA-Z]*\s+(/|/\*)(\s|$)`), nil},
	{"filesystem_reinit", regexp.MustCompile(`\bmkfs(\.\w+)?\b`), nil},
	{"disk_overwrite", regexp.MustCompile(`\bdd\s+.*\bof=/dev/`), nil},
	{"unconditional_shutdown", regexp.MustCompile(`\b(shutdown|poweroff|halt)\b(\s+(-h|now|-p))?\s*$`), nil},
	{"partition_wipe", regexp.MustCompile(`\b(wipefs|sgdisk\s+--zap-all|parted\s+.*\bmklabel)\b`), nil},
}

// matchDestructiveLexicon returns the label of the first matching lexicon
// entry, or "" when the command matches none.
func matchDestructiveLexicon(command string) string {
	for _, entry := range destructiveLexicon {
		if !entry.re.MatchString(command) {
			continue
		}
		if entry.guard != nil && entry.guard.MatchString(command) {
			continue
		}
		return entry.label
	}
	return ""
}
