package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/promora/proctor/internal/analysis"
	"github.com/promora/proctor/internal/event"
)

// Detector inspects one event against the session's accumulated state and
// returns any violations it implies. Detectors run in a fixed order so a
// replayed event stream always yields the same violation sequence.
type Detector interface {
	Name() string
	Evaluate(ec *evalContext) []Violation
}

// evalContext is the per-event view handed to detectors: the event, the
// session state as of just before it, and the shared analysis helpers.
// Detectors own their windows (the ai-overuse detector prunes and appends
// its own prompt history); everything else is updated after the pipeline.
type evalContext struct {
	cfg       *Config
	extractor *analysis.Extractor
	corpus    *analysis.Corpus
	st        *sessionState
	ev        event.Event
	now       time.Time

	fpDone bool
	fp     analysis.Fingerprints
}

// fingerprints lazily computes the fingerprints of the event's textual
// content, shared between the pattern detector and the state update.
func (ec *evalContext) fingerprints() analysis.Fingerprints {
	if !ec.fpDone {
		ec.fp = ec.extractor.Fingerprint(eventContent(ec.ev))
		ec.fpDone = true
	}
	return ec.fp
}

// eventContent returns the text a payload carries, if any.
func eventContent(ev event.Event) string {
	switch p := ev.Payload.(type) {
	case event.FileOp:
		return p.Content
	case event.Terminal:
		return p.Command
	case event.AIInteraction:
		return p.Content
	case event.Snapshot:
		return p.Content
	case event.Submission:
		return p.Content
	default:
		return ""
	}
}

// defaultDetectors returns the pipeline in its fixed evaluation order.
func defaultDetectors() []Detector {
	return []Detector{
		forbiddenCommandDetector{},
		rapidPasteDetector{},
		idleBurstDetector{},
		aiOveruseDetector{},
		patternDetector{},
	}
}

// safeEvaluate runs one detector behind a recover boundary. A panic becomes
// a DetectorFault; the event and the rest of the pipeline are unaffected.
func safeEvaluate(d Detector, ec *evalContext) (vios []Violation, fault *DetectorFault) {
	defer func() {
		if r := recover(); r != nil {
			vios = nil
			fault = &DetectorFault{Detector: d.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return d.Evaluate(ec), nil
}

// forbiddenCommandDetector flags terminal commands matching the denylist.
// Every match is recorded independently; ten curl invocations are ten
// violations.
type forbiddenCommandDetector struct{}

func (forbiddenCommandDetector) Name() string { return "forbidden-command" }

func (forbiddenCommandDetector) Evaluate(ec *evalContext) []Violation {
	p, ok := ec.ev.Payload.(event.Terminal)
	if !ok || p.Command == "" {
		return nil
	}

	cmd := strings.ToLower(p.Command)
	var out []Violation
	for _, deny := range ec.cfg.ForbiddenCommands {
		if !strings.Contains(cmd, deny) {
			continue
		}
		out = append(out, Violation{
			Kind:     KindForbiddenCommand,
			Severity: ec.cfg.ForbiddenSeverity,
			Evidence: Evidence{
				EventType: ec.ev.Type,
				EventAt:   ec.ev.Timestamp,
				Excerpt:   analysis.Excerpt(p.Command, 120),
				Detail:    fmt.Sprintf("command matches denylist entry %q", deny),
			},
			DetectedAt: ec.now,
		})
	}
	return out
}

// rapidPasteDetector flags large content arriving too soon after the
// previous edit on the same path. Severity scales with the delta size.
type rapidPasteDetector struct{}

func (rapidPasteDetector) Name() string { return "rapid-paste" }

func (rapidPasteDetector) Evaluate(ec *evalContext) []Violation {
	p, ok := ec.ev.Payload.(event.FileOp)
	if !ok || (p.Verb != event.FileCreate && p.Verb != event.FileModify) {
		return nil
	}
	if p.ContentDelta < ec.cfg.RapidPasteMinDelta {
		return nil
	}

	prev, seen := ec.st.lastEditAt[p.Path]
	if !seen {
		return nil
	}
	gap := ec.ev.Timestamp.Sub(prev)
	if gap < 0 || gap > ec.cfg.RapidPasteMaxGap {
		return nil
	}

	return []Violation{{
		Kind:     KindRapidPaste,
		Severity: rapidPasteSeverity(p.ContentDelta, ec.cfg.RapidPasteMinDelta, ec.cfg.RapidPasteMaxDelta),
		Evidence: Evidence{
			EventType: ec.ev.Type,
			EventAt:   ec.ev.Timestamp,
			Path:      p.Path,
			Detail:    fmt.Sprintf("%d chars %s after previous edit", p.ContentDelta, gap.Round(time.Millisecond)),
		},
		DetectedAt: ec.now,
	}}
}

// rapidPasteSeverity maps the delta onto 4..8, hitting 8 at maxDelta.
func rapidPasteSeverity(delta, minDelta, maxDelta int) int {
	if delta >= maxDelta {
		return 8
	}
	frac := float64(delta-minDelta) / float64(maxDelta-minDelta)
	return 4 + int(frac*4)
}

// idleBurstDetector flags a large content delta landing shortly after the
// session resumed from idle. One violation per resume episode.
type idleBurstDetector struct{}

func (idleBurstDetector) Name() string { return "idle-then-burst" }

func (idleBurstDetector) Evaluate(ec *evalContext) []Violation {
	if ec.st.resumedAt.IsZero() {
		return nil
	}
	since := ec.ev.Timestamp.Sub(ec.st.resumedAt)
	if since < 0 {
		return nil
	}
	if since > ec.cfg.IdleBurstWindow {
		// The burst window has passed; the episode is over.
		ec.st.resumedAt = time.Time{}
		return nil
	}

	p, ok := ec.ev.Payload.(event.FileOp)
	if !ok || p.ContentDelta < ec.cfg.IdleBurstMinDelta {
		return nil
	}

	ec.st.resumedAt = time.Time{}
	return []Violation{{
		Kind:     KindIdleThenBurst,
		Severity: 7,
		Evidence: Evidence{
			EventType: ec.ev.Type,
			EventAt:   ec.ev.Timestamp,
			Path:      p.Path,
			Detail:    fmt.Sprintf("%d chars %s after resuming from idle", p.ContentDelta, since.Round(time.Millisecond)),
		},
		DetectedAt: ec.now,
	}}
}

// aiOveruseDetector tracks a sliding window of assistant prompts. While the
// rate stays over the limit the session carries one live episode whose
// severity follows the window; the manager replaces the episode's violation
// in place instead of appending a new one.
type aiOveruseDetector struct{}

func (aiOveruseDetector) Name() string { return "ai-overuse" }

func (aiOveruseDetector) Evaluate(ec *evalContext) []Violation {
	p, ok := ec.ev.Payload.(event.AIInteraction)
	if !ok || p.Direction != event.DirectionPrompt {
		return nil
	}

	st := ec.st
	cutoff := ec.ev.Timestamp.Add(-ec.cfg.AIRateWindow)
	kept := st.promptTimes[:0]
	for _, t := range st.promptTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.promptTimes = append(kept, ec.ev.Timestamp)

	count := len(st.promptTimes)
	if count <= ec.cfg.AIRateMax {
		// Rate is back under the limit; the episode, if any, is over.
		st.aiEpisode = -1
		return nil
	}

	sev := 2 + count/ec.cfg.AIRateMax
	if sev > 6 {
		sev = 6
	}
	return []Violation{{
		Kind:     KindAIOveruse,
		Severity: sev,
		Evidence: Evidence{
			EventType: ec.ev.Type,
			EventAt:   ec.ev.Timestamp,
			Detail:    fmt.Sprintf("%d prompts in %s (limit %d)", count, ec.cfg.AIRateWindow, ec.cfg.AIRateMax),
		},
		DetectedAt: ec.now,
	}}
}

// patternDetector runs the lexical rules over terminal, snapshot, and
// submission content, and raises external-copy when content matches the
// known-answer corpus or a snapshot is wholesale-replaced with material the
// candidate never deleted themselves.
type patternDetector struct{}

func (patternDetector) Name() string { return "pattern" }

func (patternDetector) Evaluate(ec *evalContext) []Violation {
	var out []Violation

	text, scanRules, checkCopy, path := patternTargets(ec.ev)
	if text == "" {
		return nil
	}

	if scanRules {
		for _, m := range analysis.MatchRules(ec.extractor.Rules(), text) {
			out = append(out, Violation{
				Kind:     PatternKind(m.RuleID),
				Severity: m.Severity,
				Evidence: Evidence{
					EventType: ec.ev.Type,
					EventAt:   ec.ev.Timestamp,
					Path:      path,
					Excerpt:   m.Excerpt,
					Detail:    fmt.Sprintf("rule %s matched at line %d", m.RuleID, m.Line),
				},
				DetectedAt: ec.now,
			})
		}
	}

	if !checkCopy {
		return out
	}
	fp := ec.fingerprints()
	if fp.Len() == 0 {
		return out
	}

	if id, score := ec.corpus.BestOverlap(fp); score >= ec.cfg.CorpusOverlap {
		out = append(out, Violation{
			Kind:     KindExternalCopy,
			Severity: 8,
			Evidence: Evidence{
				EventType: ec.ev.Type,
				EventAt:   ec.ev.Timestamp,
				Path:      path,
				Detail:    fmt.Sprintf("content matches known answer %s (%.0f%% containment)", id, score*100),
			},
			DetectedAt: ec.now,
		})
		return out
	}

	// Snapshot replacement: most of the previous snapshot gone, and the new
	// material does not come from the candidate's own deleted code.
	if _, isSnap := ec.ev.Payload.(event.Snapshot); !isSnap {
		return out
	}
	prev := ec.st.prevSnapshot
	if prev.Len() == 0 {
		return out
	}
	replaced := 1 - prev.Overlap(fp)
	if replaced < ec.cfg.SnapshotReplaceRate {
		return out
	}
	introduced := fp.Diff(prev)
	if introduced.Overlap(ec.st.deletedFP) > 0.2 {
		return out
	}

	out = append(out, Violation{
		Kind:     KindExternalCopy,
		Severity: 8,
		Evidence: Evidence{
			EventType: ec.ev.Type,
			EventAt:   ec.ev.Timestamp,
			Path:      path,
			Detail:    fmt.Sprintf("%.0f%% of snapshot replaced with previously unseen content", replaced*100),
		},
		DetectedAt: ec.now,
	})
	return out
}

// patternTargets decides which checks apply to an event's content: lexical
// rules run on terminal, snapshot, and submission text; the external-copy
// checks additionally cover pasted file content.
func patternTargets(ev event.Event) (text string, scanRules, checkCopy bool, path string) {
	switch p := ev.Payload.(type) {
	case event.Terminal:
		return p.Command, true, false, ""
	case event.Snapshot:
		return p.Content, true, true, p.Path
	case event.Submission:
		return p.Content, true, true, ""
	case event.FileOp:
		if p.Pasted && p.Content != "" {
			return p.Content, false, true, p.Path
		}
	}
	return "", false, false, ""
}
