package verify

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var linkPattern = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)

// LinksVerifier checks that relative markdown links point at existing files.
// External URLs are counted but not fetched.
type LinksVerifier struct{}

func (v *LinksVerifier) Name() string { return "links" }

func (v *LinksVerifier) Verify(ctx context.Context, req Request) (*Result, error) {
	opts, _ := parseScanArgs(req.Args)
	files, err := markdownFiles(ctx, req.Root, opts)
	if err != nil {
		return nil, err
	}

	res := newResult(v.Name())
	for _, k := range []string{"links_found", "links_valid", "links_broken", "links_external"} {
		res.Details[k] = 0
	}
	res.Details["files_scanned"] = len(files)

	for _, file := range files {
		dir := path.Dir(file)
		err := fileLines(req.Root, file, func(lineNo int, line string) {
			for _, m := range linkPattern.FindAllStringSubmatch(line, -1) {
				target := m[1]
				res.Details["links_found"]++

				if isExternal(target) {
					res.Details["links_external"]++
					continue
				}
				if strings.HasPrefix(target, "#") {
					res.Details["links_valid"]++
					continue
				}
				if i := strings.IndexAny(target, "#?"); i >= 0 {
					target = target[:i]
				}
				if unescaped, err := url.PathUnescape(target); err == nil {
					target = unescaped
				}
				if exists(req.Root, dir, target) {
					res.Details["links_valid"]++
					continue
				}
				res.Details["links_broken"]++
				res.addError(Finding{
					File:    file,
					Line:    lineNo,
					Message: fmt.Sprintf("Broken link: %s", m[1]),
					FixHint: "Update the link target or create the file",
				})
			}
		})
		if err != nil {
			res.addWarning(Finding{File: file, Message: err.Error()})
		}
	}

	res.Summary = fmt.Sprintf("%d links checked, %d broken, %d external",
		res.Details["links_found"], res.Details["links_broken"], res.Details["links_external"])
	return res.finish(), nil
}

func isExternal(target string) bool {
	return strings.Contains(target, "://") || strings.HasPrefix(target, "mailto:")
}
