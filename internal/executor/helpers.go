// Utility functions for the executor.
package executor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vinayprograms/conductor/internal/verify"
)

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// limitText keeps at most limit bytes of s, cut at a rune boundary, and
// reports how many bytes were dropped. A limit of 0 keeps everything.
func limitText(s string, limit int64) (string, int64) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, 0
	}
	marker := "\n[... %d bytes elided ...]\n"
	end := int(limit)
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	dropped := int64(len(s) - end)
	return s[:end] + fmt.Sprintf(marker, dropped), dropped
}

func verifyRequest(root string, args []string) verify.Request {
	return verify.Request{Root: root, Args: append([]string(nil), args...)}
}

func verifyErr(res *verify.Result, err error) error {
	if err != nil {
		return err
	}
	if res != nil && !res.Passed {
		return fmt.Errorf("%s", res.Summary)
	}
	return nil
}

// quoteArg quotes s as one word for the command splitter.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
