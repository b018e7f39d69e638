package verify

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// refPattern matches @path references. A reference needs a file extension or
// an explicit ./ ../ prefix, which keeps annotations like @param out.
var refPattern = regexp.MustCompile(`(?:^|[\s(\[])@((?:\.{1,2}/)?[\w.\-/]+)(?:#L\d+(?:-L?\d*)?)?`)

// RefsVerifier checks that every @path reference in markdown files resolves.
type RefsVerifier struct{}

func (v *RefsVerifier) Name() string { return "refs" }

func (v *RefsVerifier) Verify(ctx context.Context, req Request) (*Result, error) {
	opts, _ := parseScanArgs(req.Args)
	files, err := markdownFiles(ctx, req.Root, opts)
	if err != nil {
		return nil, err
	}

	res := newResult(v.Name())
	res.Details["files_scanned"] = len(files)
	res.Details["refs_found"] = 0
	res.Details["refs_valid"] = 0
	res.Details["refs_broken"] = 0

	for _, file := range files {
		dir := path.Dir(file)
		err := fileLines(req.Root, file, func(lineNo int, line string) {
			for _, m := range refPattern.FindAllStringSubmatch(line, -1) {
				target := strings.TrimRight(m[1], ".,;:")
				if !looksLikePath(target) {
					continue
				}
				res.Details["refs_found"]++
				if exists(req.Root, dir, target) {
					res.Details["refs_valid"]++
					continue
				}
				res.Details["refs_broken"]++
				res.addError(Finding{
					File:    file,
					Line:    lineNo,
					Message: fmt.Sprintf("Broken reference: @%s", target),
					FixHint: "Fix the path or remove the reference",
				})
			}
		})
		if err != nil {
			res.addWarning(Finding{File: file, Message: err.Error()})
		}
	}

	res.Summary = fmt.Sprintf("%d references checked, %d broken", res.Details["refs_found"], res.Details["refs_broken"])
	return res.finish(), nil
}

func looksLikePath(s string) bool {
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") {
		return true
	}
	ext := path.Ext(s)
	return len(ext) > 1 && !strings.HasSuffix(s, ".")
}
