// Package childio implements spec §4.8's child I/O pipeline: line
// accumulation from a task-agent's stdout/stderr, a per-attempt log tee,
// noise suppression, and a repeated-error loop detector.
//
// Grounded on the teacher's LogManager in internal/engine/engine.go, which
// tees a PTY-driven agent's output to both the terminal and a rotating log
// file; bosun generalizes that into a reusable reader since it must also
// classify lines (not just archive them) to drive restart and notification
// decisions.
package childio

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// LineKind classifies a single line of child output.
type LineKind int

const (
	// KindNormal is ordinary output with no special handling.
	KindNormal LineKind = iota
	// KindNoise is output matching a known-uninteresting pattern,
	// suppressed from notification/log-spam purposes but still written
	// to the per-attempt log tee.
	KindNoise
	// KindError is output recognized as signaling a failure.
	KindError
	// KindMarker is output matching a named structural marker the
	// supervisor and reconciler act on directly.
	KindMarker
)

func (k LineKind) String() string {
	switch k {
	case KindNoise:
		return "noise"
	case KindError:
		return "error"
	case KindMarker:
		return "marker"
	default:
		return "normal"
	}
}

// Marker names for the child-process log lines that drive control flow.
// Each corresponds to one of the literal substrings the child process
// contract names, except MarkerContextWindow, which matches a family of
// context-exhaustion phrasings rather than one fixed string.
const (
	MarkerMutexHeld        = "mutex-held"
	MarkerAllTasksComplete = "all-tasks-complete"
	MarkerBacklogEmpty     = "backlog-empty"
	MarkerAttemptTracked   = "attempt-tracked"
	MarkerAttemptFinished  = "attempt-finished"
	MarkerNoRemoteBranch   = "no-remote-branch"
	MarkerPRMerged         = "pr-merged"
	MarkerMergeNotify      = "merge-notify"
	MarkerContextWindow    = "context-window-exhausted"
)

// Classified is one processed line of child output.
type Classified struct {
	Raw        string
	Kind       LineKind
	MarkerName string // set only when Kind == KindMarker
	// Fields holds any named captures the marker pattern extracted (e.g.
	// shortId, branch, prNumber, stage, result), keyed by capture name.
	// Nil when the marker pattern defines no named groups.
	Fields map[string]string
}

// Classifier decides how a raw line should be classified. NoisePatterns
// are checked before Markers before ErrorPatterns, so a line matching both
// a noise pattern and an error pattern (e.g. a verbose retry log) is
// treated as noise rather than raising an alarm, and a recognized marker
// line is never miscategorized as a bare error.
type Classifier struct {
	NoisePatterns []*regexp.Regexp
	ErrorPatterns []*regexp.Regexp
	Markers       map[string]*regexp.Regexp
}

// DefaultClassifier returns the noise/marker/error set the child process
// contract (spec §6) and restart decision tree (§4.1) name: retry-backoff
// chatter, heartbeats, and zero-count status lines are noise; lines
// containing "panic:" or the word "FATAL", or starting with "fatal:" in any
// case, are errors; the eight literal
// log lines a task-agent emits to drive control flow are markers, each
// with any embedded identifiers captured by name.
func DefaultClassifier() Classifier {
	return Classifier{
		NoisePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*$`),
			regexp.MustCompile(`(?i)retrying in \d+`),
			regexp.MustCompile(`(?i)^heartbeat\b`),
			regexp.MustCompile(`(?i)\berrors=0\b`),
		},
		ErrorPatterns: []*regexp.Regexp{
			regexp.MustCompile(`panic:`),
			regexp.MustCompile(`(?i)^fatal:`),
			regexp.MustCompile(`\bFATAL\b`),
		},
		Markers: map[string]*regexp.Regexp{
			MarkerMutexHeld:        regexp.MustCompile(`Another orchestrator instance is already running`),
			MarkerAllTasksComplete: regexp.MustCompile(`ALL TASKS COMPLETE`),
			MarkerBacklogEmpty:     regexp.MustCompile(`(?i)backlog empty`),
			MarkerAttemptTracked:   regexp.MustCompile(`Tracking new attempt: (?P<shortId>\S+) (?:→|->) (?P<branch>\S+)`),
			MarkerAttemptFinished:  regexp.MustCompile(`Attempt (?P<shortId>\S+) finished \((?P<result>completed|failed)\)`),
			MarkerNoRemoteBranch:   regexp.MustCompile(`No remote branch for (?P<branch>\S+)`),
			MarkerPRMerged:         regexp.MustCompile(`Merged PR #(?P<prNumber>\d+)`),
			MarkerMergeNotify:      regexp.MustCompile(`Merge notify: PR #(?P<prNumber>\d+) stage=(?P<stage>\S+)`),
			MarkerContextWindow:    regexp.MustCompile(`(?i)context (?:length|window)[^.\n]{0,20}(?:exceeded|exhausted)|maximum context length`),
		},
	}
}

// Classify applies c to a single raw line.
func (c Classifier) Classify(raw string) Classified {
	for _, p := range c.NoisePatterns {
		if p.MatchString(raw) {
			return Classified{Raw: raw, Kind: KindNoise}
		}
	}
	for name, p := range c.Markers {
		if m := p.FindStringSubmatch(raw); m != nil {
			return Classified{Raw: raw, Kind: KindMarker, MarkerName: name, Fields: namedGroups(p, m)}
		}
	}
	for _, p := range c.ErrorPatterns {
		if p.MatchString(raw) {
			return Classified{Raw: raw, Kind: KindError}
		}
	}
	return Classified{Raw: raw, Kind: KindNormal}
}

func namedGroups(p *regexp.Regexp, m []string) map[string]string {
	var fields map[string]string
	for i, name := range p.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[name] = m[i]
	}
	return fields
}

// Pipeline reads lines from a child process's combined output, classifies
// each, tees every line (noise included) to an attempt log, and invokes
// onLine for classification-driven side effects (restart controller
// mutex-hold tracking, loop detection, event dispatch).
type Pipeline struct {
	classifier Classifier
	log        *zap.Logger
	tee        io.Writer
	onLine     func(Classified)
}

// New builds a Pipeline. tee may be nil to skip log-file teeing (e.g. in
// tests). onLine may be nil if the caller only needs the tee.
func New(classifier Classifier, tee io.Writer, onLine func(Classified), log *zap.Logger) *Pipeline {
	return &Pipeline{classifier: classifier, tee: tee, onLine: onLine, log: log}
}

// Run reads lines from r until EOF or ctx is cancelled, classifying and
// dispatching each. It returns the scanner's error, if any (io.EOF is
// reported as nil).
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		classified := p.classifier.Classify(line)

		if p.tee != nil {
			if _, err := io.WriteString(p.tee, line+"\n"); err != nil && p.log != nil {
				p.log.Warn("childio: tee write failed", zap.Error(err))
			}
		}
		if p.onLine != nil {
			p.onLine(classified)
		}
	}
	return scanner.Err()
}
