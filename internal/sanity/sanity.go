// Package sanity turns a session's accumulated integrity state into a final
// risk assessment: a classification, a recommendation, named sanity-check
// results, and anomaly annotations.
//
// Assess is deterministic for a given snapshot: re-assessing the same
// snapshot yields the same verdict (only the assessment ID and evaluation
// timestamp differ), so reviewers can re-run it safely.
package sanity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/promora/proctor/internal/idgen"
	"github.com/promora/proctor/internal/metrics"
	"github.com/promora/proctor/internal/watcher"
)

// Classification tiers. insufficient-data replaces the tier when too little
// of the session was observed to judge it.
const (
	ClassLow              = "low"
	ClassMedium           = "medium"
	ClassHigh             = "high"
	ClassCritical         = "critical"
	ClassInsufficientData = "insufficient-data"
)

// Recommendations. auto-fail is never issued on insufficient data.
const (
	RecommendClear    = "clear"
	RecommendFlag     = "flag-for-review"
	RecommendAutoFail = "auto-fail"
)

// Behavioral profiles derived from the violation mix.
const (
	ProfileAssistanceOveruse = "assistance-overuse"
	ProfileExternalCopying   = "external-copying"
	ProfileBalanced          = "balanced"
	ProfileNone              = "none"
)

// Red flags derived from session counters.
const (
	FlagPerfectSolution = "perfect-solution-no-modifications"
	FlagRapidCompletion = "rapid-completion"
	FlagOnlyCopies      = "no-modifications-only-copies"
)

// Named sanity checks.
const (
	CheckViolationCount = "violation-count"
	CheckRedFlags       = "red-flags"
	CheckAnomaly        = "anomaly"
)

// CheckResult grades one sanity check.
type CheckResult string

const (
	CheckPassed  CheckResult = "passed"
	CheckWarning CheckResult = "warning"
	CheckFailed  CheckResult = "failed"
)

// Check is one named sanity-check outcome.
type Check struct {
	Name   string      `json:"name"`
	Result CheckResult `json:"result"`
	Detail string      `json:"detail,omitempty"`
}

// Anomaly note kinds.
const (
	NoteRapidFire           = "rapid-fire-events"
	NoteLongInactivity      = "long-inactivity"
	NoteMixDeviation        = "violation-mix-deviation"
	NoteDuplicateSubmission = "duplicate-submission"
	NoteAIDerivedSubmission = "ai-derived-submission"
)

// AnomalyNote annotates an assessment with an observed irregularity.
// Confidence reflects how strongly the signal implies misconduct.
type AnomalyNote struct {
	Kind       string  `json:"kind"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence,omitempty"`
}

// RiskAssessment is the aggregator's verdict on one session.
type RiskAssessment struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"sessionId"`
	Score          float64 `json:"score"`
	Classification string  `json:"classification"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Degraded       bool    `json:"degraded,omitempty"`
	Profile        string  `json:"profile"`

	ContributingViolations []watcher.Violation `json:"contributingViolations"`
	RedFlags               []string            `json:"redFlags,omitempty"`
	AnomalyNotes           []AnomalyNote       `json:"anomalyNotes,omitempty"`
	Checks                 []Check             `json:"checks"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Recorder persists assessments for the audit trail. Writes are asynchronous
// and best-effort.
type Recorder interface {
	RecordAssessment(ctx context.Context, a *RiskAssessment) error
}

// Config carries the aggregator's thresholds. Zero fields are filled by
// Normalize.
type Config struct {
	// Classification cutoffs over the [0,100] risk score.
	ClassifyLow    float64
	ClassifyMedium float64
	ClassifyHigh   float64

	ExpectedMinEvents int     // events needed for full confidence
	MinConfidence     float64 // below this the verdict is insufficient-data

	// Anomaly pass.
	AnomalyL1            float64       // L1 distance to the baseline mix that annotates
	AnomalyMinViolations int           // mix comparison needs at least this many violations
	RapidFireGap         time.Duration // mean gap under this flags rapid-fire
	RapidFireMinEvents   int
	InactivityGap        time.Duration // mean gap over this flags long inactivity

	// Plagiarism-likeness containment cutoffs.
	DuplicateSubmissionOverlap float64
	AIResponseOverlap          float64

	// Red flags and the violation-count check.
	RapidCompletion      time.Duration // first event to submission under this flags
	FailViolationCount   int           // count at which the violation-count check fails
	FailSeverity         int           // any violation at this severity fails the check
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ClassifyLow:    20,
		ClassifyMedium: 50,
		ClassifyHigh:   80,

		ExpectedMinEvents: 10,
		MinConfidence:     0.4,

		AnomalyL1:            0.5,
		AnomalyMinViolations: 3,
		RapidFireGap:         5 * time.Second,
		RapidFireMinEvents:   20,
		InactivityGap:        time.Hour,

		DuplicateSubmissionOverlap: 0.95,
		AIResponseOverlap:          0.7,

		RapidCompletion:    10 * time.Minute,
		FailViolationCount: 5,
		FailSeverity:       8,
	}
}

// Normalize fills zero or inconsistent fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.ClassifyLow <= 0 {
		c.ClassifyLow = d.ClassifyLow
	}
	if c.ClassifyMedium <= c.ClassifyLow {
		c.ClassifyMedium = d.ClassifyMedium
	}
	if c.ClassifyHigh <= c.ClassifyMedium {
		c.ClassifyHigh = d.ClassifyHigh
	}
	if c.ExpectedMinEvents <= 0 {
		c.ExpectedMinEvents = d.ExpectedMinEvents
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = d.MinConfidence
	}
	if c.AnomalyL1 <= 0 {
		c.AnomalyL1 = d.AnomalyL1
	}
	if c.AnomalyMinViolations <= 0 {
		c.AnomalyMinViolations = d.AnomalyMinViolations
	}
	if c.RapidFireGap <= 0 {
		c.RapidFireGap = d.RapidFireGap
	}
	if c.RapidFireMinEvents <= 0 {
		c.RapidFireMinEvents = d.RapidFireMinEvents
	}
	if c.InactivityGap <= 0 {
		c.InactivityGap = d.InactivityGap
	}
	if c.DuplicateSubmissionOverlap <= 0 {
		c.DuplicateSubmissionOverlap = d.DuplicateSubmissionOverlap
	}
	if c.AIResponseOverlap <= 0 {
		c.AIResponseOverlap = d.AIResponseOverlap
	}
	if c.RapidCompletion <= 0 {
		c.RapidCompletion = d.RapidCompletion
	}
	if c.FailViolationCount <= 0 {
		c.FailViolationCount = d.FailViolationCount
	}
	if c.FailSeverity <= 0 {
		c.FailSeverity = d.FailSeverity
	}
	return c
}

// Aggregator produces risk assessments from session snapshots. It holds no
// per-session state; the anomaly baseline is swapped atomically by the
// baseline worker.
type Aggregator struct {
	cfg      Config
	baseline atomic.Pointer[Baseline]
	recorder Recorder
	logger   *slog.Logger
}

// New creates an aggregator with the given thresholds.
func New(cfg Config, logger *slog.Logger) *Aggregator {
	return &Aggregator{cfg: cfg.Normalize(), logger: logger}
}

// WithRecorder attaches the audit trail for asynchronous assessment writes.
func (a *Aggregator) WithRecorder(r Recorder) *Aggregator {
	a.recorder = r
	return a
}

// SetBaseline swaps the anomaly baseline used by subsequent assessments.
func (a *Aggregator) SetBaseline(b *Baseline) {
	a.baseline.Store(b)
}

// Assess evaluates one session snapshot. The verdict depends only on the
// snapshot and the configured thresholds; only ID and EvaluatedAt vary
// between calls.
func (a *Aggregator) Assess(snap *watcher.SessionSnapshot) *RiskAssessment {
	score := math.Round(snap.RiskScore*1000) / 1000
	tier := a.classify(score)

	confidence := float64(snap.EventsObserved) / float64(a.cfg.ExpectedMinEvents)
	if confidence > 1 {
		confidence = 1
	}
	if snap.Degraded {
		confidence *= 0.5
	}
	confidence = math.Round(confidence*1000) / 1000

	classification := tier
	if confidence < a.cfg.MinConfidence {
		classification = ClassInsufficientData
	}

	contributing := append([]watcher.Violation(nil), snap.Violations...)
	sort.SliceStable(contributing, func(i, j int) bool {
		return contributing[i].Severity > contributing[j].Severity
	})

	flags := a.redFlags(snap)
	notes := a.anomalyNotes(snap)

	checks := []Check{
		a.violationCountCheck(snap.Violations),
		redFlagsCheck(flags),
		anomalyCheck(notes),
	}

	rec := RecommendClear
	switch tier {
	case ClassCritical:
		rec = RecommendAutoFail
	case ClassHigh:
		rec = RecommendFlag
	}
	if classification == ClassInsufficientData && rec == RecommendAutoFail {
		rec = RecommendFlag
	}
	if rec == RecommendClear {
		for _, c := range checks {
			if c.Result != CheckPassed {
				rec = RecommendFlag
				break
			}
		}
	}

	assessment := &RiskAssessment{
		ID:             idgen.WithPrefix("asmt_"),
		SessionID:      snap.SessionID,
		Score:          score,
		Classification: classification,
		Recommendation: rec,
		Confidence:     confidence,
		Degraded:       snap.Degraded,
		Profile:        profileOf(snap.Violations),

		ContributingViolations: contributing,
		RedFlags:               flags,
		AnomalyNotes:           notes,
		Checks:                 checks,

		EvaluatedAt: time.Now(),
	}

	metrics.AssessmentsTotal.WithLabelValues(classification).Inc()

	// Persist asynchronously; the audit trail never blocks assessment.
	if a.recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.recorder.RecordAssessment(ctx, assessment); err != nil && a.logger != nil {
				a.logger.Warn("assessment audit write failed",
					"assessmentId", assessment.ID,
					"sessionId", assessment.SessionID,
					"error", err,
				)
			}
		}()
	}

	return assessment
}

func (a *Aggregator) classify(score float64) string {
	switch {
	case score < a.cfg.ClassifyLow:
		return ClassLow
	case score < a.cfg.ClassifyMedium:
		return ClassMedium
	case score < a.cfg.ClassifyHigh:
		return ClassHigh
	default:
		return ClassCritical
	}
}

// redFlags derives submission-shape flags from session counters.
func (a *Aggregator) redFlags(snap *watcher.SessionSnapshot) []string {
	var flags []string

	if snap.SubmittedAt != nil && snap.ModifyEvents == 0 && snap.PasteEvents == 0 {
		flags = append(flags, FlagPerfectSolution)
	}
	if snap.SubmittedAt != nil && !snap.FirstEventAt.IsZero() {
		if snap.SubmittedAt.Sub(snap.FirstEventAt) < a.cfg.RapidCompletion {
			flags = append(flags, FlagRapidCompletion)
		}
	}
	if snap.ModifyEvents == 0 && snap.PasteEvents > 0 {
		flags = append(flags, FlagOnlyCopies)
	}
	return flags
}

// anomalyNotes runs the timing, baseline-mix, and plagiarism-likeness passes.
func (a *Aggregator) anomalyNotes(snap *watcher.SessionSnapshot) []AnomalyNote {
	var notes []AnomalyNote

	if snap.EventsObserved >= a.cfg.RapidFireMinEvents &&
		snap.MeanEventGap > 0 && snap.MeanEventGap < a.cfg.RapidFireGap {
		notes = append(notes, AnomalyNote{
			Kind:   NoteRapidFire,
			Detail: fmt.Sprintf("mean gap %s across %d events suggests scripted playback", snap.MeanEventGap.Round(time.Millisecond), snap.EventsObserved),
		})
	}
	if snap.MeanEventGap > a.cfg.InactivityGap {
		notes = append(notes, AnomalyNote{
			Kind:   NoteLongInactivity,
			Detail: fmt.Sprintf("mean gap %s between events", snap.MeanEventGap.Round(time.Second)),
		})
	}

	if len(snap.Violations) >= a.cfg.AnomalyMinViolations {
		baseline := a.baseline.Load()
		if dist := baseline.Distance(mixOf(snap.Violations)); dist >= a.cfg.AnomalyL1 {
			notes = append(notes, AnomalyNote{
				Kind:   NoteMixDeviation,
				Detail: fmt.Sprintf("violation mix deviates from baseline (L1 %.2f)", dist),
			})
		}
	}

	// Resubmitting fingerprint-identical content reads as template reuse.
	subs := snap.SubmissionFingerprints
outer:
	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			if subs[i].Overlap(subs[j]) >= a.cfg.DuplicateSubmissionOverlap {
				notes = append(notes, AnomalyNote{
					Kind:       NoteDuplicateSubmission,
					Detail:     "two submissions share near-identical fingerprints",
					Confidence: 0.8,
				})
				break outer
			}
		}
	}

	// A submission contained in an AI response was pasted, not written.
respScan:
	for _, sub := range subs {
		for _, resp := range snap.ResponseFingerprints {
			if score := sub.Overlap(resp); score >= a.cfg.AIResponseOverlap {
				notes = append(notes, AnomalyNote{
					Kind:       NoteAIDerivedSubmission,
					Detail:     fmt.Sprintf("submission is %.0f%% contained in an assistant response", score*100),
					Confidence: 0.7,
				})
				break respScan
			}
		}
	}

	return notes
}

func (a *Aggregator) violationCountCheck(vios []watcher.Violation) Check {
	if len(vios) == 0 {
		return Check{Name: CheckViolationCount, Result: CheckPassed, Detail: "no violations recorded"}
	}
	maxSev := 0
	for _, v := range vios {
		if v.Severity > maxSev {
			maxSev = v.Severity
		}
	}
	detail := fmt.Sprintf("%d violations, max severity %d", len(vios), maxSev)
	if maxSev >= a.cfg.FailSeverity || len(vios) >= a.cfg.FailViolationCount {
		return Check{Name: CheckViolationCount, Result: CheckFailed, Detail: detail}
	}
	return Check{Name: CheckViolationCount, Result: CheckWarning, Detail: detail}
}

func redFlagsCheck(flags []string) Check {
	switch len(flags) {
	case 0:
		return Check{Name: CheckRedFlags, Result: CheckPassed}
	case 1:
		return Check{Name: CheckRedFlags, Result: CheckWarning, Detail: flags[0]}
	default:
		return Check{Name: CheckRedFlags, Result: CheckFailed, Detail: strings.Join(flags, ", ")}
	}
}

func anomalyCheck(notes []AnomalyNote) Check {
	if len(notes) == 0 {
		return Check{Name: CheckAnomaly, Result: CheckPassed}
	}
	result := CheckWarning
	var kinds []string
	for _, n := range notes {
		kinds = append(kinds, n.Kind)
		if n.Kind == NoteDuplicateSubmission || n.Kind == NoteAIDerivedSubmission {
			result = CheckFailed
		}
	}
	return Check{Name: CheckAnomaly, Result: result, Detail: strings.Join(kinds, ", ")}
}

// profileOf buckets the violation mix into a behavioral profile.
func profileOf(vios []watcher.Violation) string {
	if len(vios) == 0 {
		return ProfileNone
	}
	var ai, copying int
	for _, v := range vios {
		switch v.Kind {
		case watcher.KindAIOveruse:
			ai++
		case watcher.KindRapidPaste, watcher.KindIdleThenBurst, watcher.KindExternalCopy:
			copying++
		}
	}
	total := float64(len(vios))
	aiShare := float64(ai) / total
	copyShare := float64(copying) / total

	switch {
	case aiShare >= 0.5 && copyShare < 0.1:
		return ProfileAssistanceOveruse
	case copyShare >= 0.5:
		return ProfileExternalCopying
	default:
		return ProfileBalanced
	}
}

// mixOf computes the session's violation-kind distribution. Lexical rule
// hits share one pattern-match bucket so rule churn does not skew the mix.
func mixOf(vios []watcher.Violation) map[string]float64 {
	mix := make(map[string]float64)
	for _, v := range vios {
		mix[kindBucket(v.Kind)]++
	}
	for k := range mix {
		mix[k] /= float64(len(vios))
	}
	return mix
}

func kindBucket(kind string) string {
	if strings.HasPrefix(kind, "pattern-match:") {
		return "pattern-match"
	}
	return kind
}
