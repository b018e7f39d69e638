package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssertionsVerifier evaluates workspace assertions given as arguments:
//
//	exists:<path>             the path exists
//	absent:<path>             the path does not exist
//	contains:<path>:<text>    the file contains text
//	nonempty:<path>           the file exists and is not empty
type AssertionsVerifier struct{}

func (v *AssertionsVerifier) Name() string { return "assertions" }

func (v *AssertionsVerifier) Verify(ctx context.Context, req Request) (*Result, error) {
	res := newResult(v.Name())
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("no assertions given")
	}

	for _, arg := range req.Args {
		kind, rest, ok := strings.Cut(arg, ":")
		if !ok || rest == "" {
			return nil, fmt.Errorf("malformed assertion %q", arg)
		}
		res.Details["assertions"]++

		var failure string
		switch kind {
		case "exists":
			if _, err := os.Stat(filepath.Join(req.Root, rest)); err != nil {
				failure = fmt.Sprintf("expected %s to exist", rest)
			}
		case "absent":
			if _, err := os.Stat(filepath.Join(req.Root, rest)); err == nil {
				failure = fmt.Sprintf("expected %s to be absent", rest)
			}
		case "nonempty":
			info, err := os.Stat(filepath.Join(req.Root, rest))
			if err != nil || info.Size() == 0 {
				failure = fmt.Sprintf("expected %s to be non-empty", rest)
			}
		case "contains":
			file, text, ok := strings.Cut(rest, ":")
			if !ok || text == "" {
				return nil, fmt.Errorf("malformed assertion %q: want contains:<path>:<text>", arg)
			}
			data, err := os.ReadFile(filepath.Join(req.Root, file))
			if err != nil || !strings.Contains(string(data), text) {
				failure = fmt.Sprintf("expected %s to contain %q", file, text)
			}
		default:
			return nil, fmt.Errorf("unknown assertion kind %q", kind)
		}

		if failure != "" {
			res.addError(Finding{File: rest, Message: failure})
		} else {
			res.Details["passed"]++
		}
	}

	res.Summary = fmt.Sprintf("%d of %d assertions passed", res.Details["passed"], res.Details["assertions"])
	return res.finish(), nil
}
