package verify

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TerminologyVerifier flags forbidden terms in markdown files. Terms come
// from configuration and from "term=preferred" arguments on the VERIFY line.
type TerminologyVerifier struct {
	Terms map[string]string
}

func (v *TerminologyVerifier) Name() string { return "terminology" }

type termRule struct {
	term      string
	preferred string
	re        *regexp.Regexp
}

func (v *TerminologyVerifier) Verify(ctx context.Context, req Request) (*Result, error) {
	terms := make(map[string]string, len(v.Terms))
	for k, val := range v.Terms {
		terms[k] = val
	}
	var args []string
	for _, a := range req.Args {
		if k, val, ok := strings.Cut(a, "="); ok && !strings.HasPrefix(a, "--") {
			terms[k] = val
			continue
		}
		args = append(args, a)
	}

	opts, _ := parseScanArgs(args)
	files, err := markdownFiles(ctx, req.Root, opts)
	if err != nil {
		return nil, err
	}

	res := newResult(v.Name())
	res.Details["files_scanned"] = len(files)
	res.Details["terms"] = len(terms)
	if len(terms) == 0 {
		res.addWarning(Finding{Message: "no terminology rules configured"})
		res.Summary = "no terms to check"
		return res.finish(), nil
	}

	rules := make([]termRule, 0, len(terms))
	for term, preferred := range terms {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("invalid term %q: %w", term, err)
		}
		rules = append(rules, termRule{term: term, preferred: preferred, re: re})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].term < rules[j].term })

	for _, file := range files {
		err := fileLines(req.Root, file, func(lineNo int, line string) {
			for _, rule := range rules {
				if !rule.re.MatchString(line) {
					continue
				}
				f := Finding{
					File:    file,
					Line:    lineNo,
					Message: fmt.Sprintf("Forbidden term %q", rule.term),
				}
				if rule.preferred != "" {
					f.FixHint = fmt.Sprintf("Use %q instead", rule.preferred)
				}
				res.addError(f)
			}
		})
		if err != nil {
			res.addWarning(Finding{File: file, Message: err.Error()})
		}
	}

	res.Summary = fmt.Sprintf("%d terminology violations in %d files", len(res.Errors), len(files))
	return res.finish(), nil
}
