package heuristics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/ohler55/ojg/oj"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxLineBytes bounds a single scanned line
	DefaultMaxLineBytes = 4 * 1024 * 1024
	binarySniffBytes    = 8000
	maxExcerptRunes     = 240
)

// FileError reports a file (or a rule on a file) that could not be fully
// processed. Findings gathered before the failure are kept.
type FileError struct {
	File   string
	RuleID string
	Err    error
}

func (e *FileError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("%s (rule %s): %v", e.File, e.RuleID, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Result is the outcome of one scan
type Result struct {
	Findings     []domain.Finding
	Errors       []error
	FilesScanned int
}

// Scanner applies compiled rules to every file under a directory
type Scanner struct {
	Workers      int
	MaxLineBytes int
	log          logrus.FieldLogger
}

// NewScanner creates a scanner. workers <= 0 uses GOMAXPROCS.
func NewScanner(workers int, log logrus.FieldLogger) *Scanner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{Workers: workers, MaxLineBytes: DefaultMaxLineBytes, log: log}
}

// Analyze compiles specs and scans root. Rule errors are reported in the
// result next to file errors.
func (s *Scanner) Analyze(ctx context.Context, specs []RuleSpec, root string) (*Result, error) {
	rules, ruleErrs := Compile(specs)
	for _, re := range ruleErrs {
		s.log.WithField("rule", re.RuleID).Warnf("Skipping rule: %v", re.Err)
	}
	res, err := s.Scan(ctx, rules, root)
	if err != nil {
		return nil, err
	}
	for _, re := range ruleErrs {
		res.Errors = append(res.Errors, re)
	}
	return res, nil
}

type fileJob struct {
	path  string
	rel   string
	rules []Rule
}

type fileResult struct {
	findings []domain.Finding
	errs     []error
}

// Scan walks root and applies every rule whose globs select a file. Files
// are scanned in parallel; the merged findings are deduplicated and sorted
// by severity then confidence. A missing root yields an empty result.
func (s *Scanner) Scan(ctx context.Context, rules []Rule, root string) (*Result, error) {
	res := &Result{}

	jobs, walkErrs, err := collect(root, rules)
	if err != nil {
		return nil, err
	}
	res.Errors = append(res.Errors, walkErrs...)
	if len(jobs) == 0 {
		return res, nil
	}

	results := make([]fileResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			findings, errs, err := s.scanFile(gctx, job)
			if err != nil {
				return err
			}
			results[i] = fileResult{findings: findings, errs: errs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, r := range results {
		for _, f := range r.findings {
			if seen[f.DedupKey] {
				continue
			}
			seen[f.DedupKey] = true
			res.Findings = append(res.Findings, f)
		}
		res.Errors = append(res.Errors, r.errs...)
	}
	res.FilesScanned = len(jobs)
	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Less(res.Findings[j])
	})

	s.log.WithFields(logrus.Fields{
		"files":    res.FilesScanned,
		"findings": len(res.Findings),
		"errors":   len(res.Errors),
	}).Debug("Heuristic scan finished")
	return res, nil
}

// collect lists regular files under root with the rules that select them.
// Unreadable directories are reported, not fatal.
func collect(root string, rules []Rule) ([]fileJob, []error, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}

	var jobs []fileJob
	var errs []error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			errs = append(errs, &FileError{File: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		var selected []Rule
		for _, r := range rules {
			if r.Kind == QueryRule && !structured(rel) {
				continue
			}
			if r.selects(rel) {
				selected = append(selected, r)
			}
		}
		if len(selected) > 0 {
			jobs = append(jobs, fileJob{path: path, rel: rel, rules: selected})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return jobs, errs, nil
}

func structured(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".json", ".jsonl", ".ndjson", ".yaml", ".yml":
		return true
	}
	return false
}

// scanFile returns per-file errors in errs; err is only set when ctx ends
func (s *Scanner) scanFile(ctx context.Context, job fileJob) (findings []domain.Finding, errs []error, err error) {
	var patterns, queries []Rule
	for _, r := range job.rules {
		if r.Kind == QueryRule {
			queries = append(queries, r)
		} else {
			patterns = append(patterns, r)
		}
	}

	if len(patterns) > 0 {
		f, fileErr, err := s.scanLines(ctx, job, patterns)
		if err != nil {
			return nil, nil, err
		}
		findings = append(findings, f...)
		if fileErr != nil {
			errs = append(errs, fileErr)
		}
	}
	if len(queries) > 0 {
		f, qErrs := queryFile(job, queries)
		findings = append(findings, f...)
		errs = append(errs, qErrs...)
	}
	return findings, errs, nil
}

// scanLines matches pattern rules line by line. Each distinct match is
// reported once per rule and file, at its first line.
func (s *Scanner) scanLines(ctx context.Context, job fileJob, rules []Rule) (findings []domain.Finding, fileErr *FileError, err error) {
	fh, err := os.Open(job.path)
	if err != nil {
		return nil, &FileError{File: job.rel, Err: err}, nil
	}
	defer fh.Close()

	br := bufio.NewReader(fh)
	head, _ := br.Peek(binarySniffBytes)
	if bytes.IndexByte(head, 0) >= 0 {
		s.log.WithField("file", job.rel).Debug("Skipping binary file")
		return nil, nil, nil
	}

	maxLine := s.MaxLineBytes
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	initial := 64 * 1024
	if maxLine < initial {
		initial = maxLine
	}
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, initial), maxLine)

	seen := make(map[string]bool)
	counts := make(map[string]int, len(rules))
	lineNo := 0

	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		line := strings.TrimSuffix(sc.Text(), "\r")

		for _, r := range rules {
			if counts[r.ID] >= r.MaxMatches {
				continue
			}
			for _, re := range r.Patterns {
				for _, m := range re.FindAllString(line, -1) {
					if counts[r.ID] >= r.MaxMatches {
						break
					}
					if f, ok := newFinding(r, job.rel, lineNo, "", m, seen); ok {
						findings = append(findings, f)
						counts[r.ID]++
					}
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("line %d exceeds %d bytes", lineNo+1, maxLine)
		}
		return findings, &FileError{File: job.rel, Err: err}, nil
	}
	return findings, nil, nil
}

// queryFile evaluates JSONPath rules against every document in a JSON,
// JSON Lines or YAML file. Line records the 1-based document index.
func queryFile(job fileJob, rules []Rule) ([]domain.Finding, []error) {
	docs, decodeErr := decodeDocuments(job.path)

	var findings []domain.Finding
	var errs []error
	if decodeErr != nil {
		errs = append(errs, &FileError{File: job.rel, Err: decodeErr})
	}

	seen := make(map[string]bool)
	for _, r := range rules {
		count := 0
		func() {
			defer func() {
				if p := recover(); p != nil {
					errs = append(errs, &FileError{File: job.rel, RuleID: r.ID, Err: fmt.Errorf("query panicked: %v", p)})
				}
			}()
			for i, doc := range docs {
				for _, expr := range r.Queries {
					for _, v := range expr.Get(doc) {
						if count >= r.MaxMatches {
							return
						}
						if f, ok := newFinding(r, job.rel, i+1, expr.String(), valueText(v), seen); ok {
							findings = append(findings, f)
							count++
						}
					}
				}
			}
		}()
	}
	return findings, errs
}

func decodeDocuments(path string) ([]any, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var docs []any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(fh)
		for {
			var doc any
			if err := dec.Decode(&doc); err != nil {
				if errors.Is(err, io.EOF) {
					return docs, nil
				}
				return docs, fmt.Errorf("decoding yaml document %d: %w", len(docs)+1, err)
			}
			docs = append(docs, doc)
		}
	default:
		dec := json.NewDecoder(fh)
		for {
			var doc any
			if err := dec.Decode(&doc); err != nil {
				if errors.Is(err, io.EOF) {
					return docs, nil
				}
				return docs, fmt.Errorf("decoding json document %d: %w", len(docs)+1, err)
			}
			docs = append(docs, doc)
		}
	}
}

func valueText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	return oj.JSON(v, &oj.Options{Sort: true})
}

func newFinding(r Rule, file string, line int, path, match string, seen map[string]bool) (domain.Finding, bool) {
	norm := domain.NormalizeMatch(match)
	if norm == "" || r.excluded(match) {
		return domain.Finding{}, false
	}
	key := domain.DedupKey(r.ID, file, norm)
	if seen[key] {
		return domain.Finding{}, false
	}
	seen[key] = true
	return domain.Finding{
		RuleID:      r.ID,
		Description: r.Description,
		File:        file,
		Line:        line,
		Path:        path,
		Excerpt:     truncate(norm, maxExcerptRunes),
		Severity:    r.Severity,
		Confidence:  r.Confidence,
		DedupKey:    key,
	}, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
