package healing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/ternarybob/arbor"
)

// DefaultAutoHealThreshold applies when a project leaves the threshold unset
const DefaultAutoHealThreshold = 0.8

// ErrNothingToApprove is returned when approving a record without a healed selector
var ErrNothingToApprove = errors.New("healing record has no candidate to approve")

// ErrAlreadyDecided is returned when approving or rejecting a record that is
// already approved or rejected
var ErrAlreadyDecided = errors.New("healing record already decided")

// Attempt describes one failed element lookup
type Attempt struct {
	ProjectID string
	RunID     string
	StepIndex int
	Selector  string
	Hints     *models.HealingHints
	Settings  models.HealingSettings
	// SnapshotLimit bounds the parsed DOM snapshot in bytes; 0 is unbounded
	SnapshotLimit int
}

// Engine proposes replacement selectors and keeps the approval workflow
type Engine struct {
	storage interfaces.HealingStorage
	logger  arbor.ILogger
	now     func() time.Time
	mu      sync.Mutex
}

// NewEngine creates a healing engine
func NewEngine(storage interfaces.HealingStorage, logger arbor.ILogger) *Engine {
	return &Engine{storage: storage, logger: logger, now: time.Now}
}

// AttemptHeal runs the configured strategies against the current page and
// records the outcome. The returned record is auto-applied when the best
// verified candidate reaches the threshold, pending-approval when it does not,
// and no-candidate when nothing verified.
func (e *Engine) AttemptHeal(ctx context.Context, page interfaces.Page, a Attempt) (*models.HealingRecord, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page for healing: %w", err)
	}
	if a.SnapshotLimit > 0 && len(html) > a.SnapshotLimit {
		e.logger.Debug().Int("bytes", len(html)).Int("limit", a.SnapshotLimit).Msg("Truncating healing snapshot")
		html = html[:a.SnapshotLimit]
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page snapshot: %w", err)
	}

	p := &lookup{doc: doc, page: page, selector: a.Selector}
	if a.Hints != nil {
		p.hints = *a.Hints
	}

	threshold := a.Settings.AutoHealThreshold
	if threshold <= 0 {
		threshold = DefaultAutoHealThreshold
	}

	var factors map[string]float64
	if a.Settings.CalibrationEnabled {
		if factors, err = e.calibration(ctx, a.ProjectID); err != nil {
			return nil, err
		}
	}

	candidates := e.collect(ctx, p, strategyOrder(a.Settings.Strategies), factors, a.Settings.MinCandidateScore)

	record := &models.HealingRecord{
		ID:               common.NewHealingID(),
		ProjectID:        a.ProjectID,
		RunID:            a.RunID,
		StepIndex:        a.StepIndex,
		OriginalSelector: a.Selector,
		Threshold:        threshold,
		Candidates:       candidates,
		CreatedAt:        e.now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(candidates) == 0 {
		record.State = models.HealingNoCandidate
	} else {
		top := candidates[0]
		record.HealedSelector = top.Selector
		record.Strategy = top.Strategy
		record.Confidence = top.Confidence
		if top.Confidence >= threshold {
			record.State = models.HealingAutoApplied
			if err := e.activate(ctx, record); err != nil {
				return nil, err
			}
		} else {
			record.State = models.HealingPendingApproval
		}
	}

	if err := e.storage.SaveRecord(ctx, record); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("run_id", a.RunID).
		Str("selector", a.Selector).
		Str("healed_selector", record.HealedSelector).
		Str("strategy", record.Strategy).
		Float64("confidence", record.Confidence).
		Str("state", string(record.State)).
		Int("candidates", len(candidates)).
		Msg("Selector healing attempted")

	return record, nil
}

func strategyOrder(configured []string) []string {
	if len(configured) == 0 {
		return DefaultStrategies
	}
	return configured
}

// collect runs strategies in order, verifies each candidate resolves to
// exactly one element and returns them best first. Ties keep strategy order.
func (e *Engine) collect(ctx context.Context, p *lookup, order []string, factors map[string]float64, minScore float64) []models.HealingCandidate {
	seen := make(map[string]int)
	var out []models.HealingCandidate

	for _, name := range order {
		fn, ok := strategyFuncs[name]
		if !ok {
			continue
		}
		for _, c := range fn(ctx, p) {
			if c.Selector == "" || c.Selector == p.selector {
				continue
			}
			if f, ok := factors[c.Strategy]; ok {
				c.Confidence = c.RawConfidence * f
			}
			if c.Confidence < minScore {
				continue
			}
			if i, dup := seen[c.Selector]; dup {
				if c.Confidence > out[i].Confidence {
					out[i] = c
				}
				continue
			}
			n, err := p.page.Count(ctx, c.Selector)
			if err != nil || n != 1 {
				e.logger.Debug().Str("selector", c.Selector).Int("matches", n).Msg("Discarding unverified healing candidate")
				continue
			}
			seen[c.Selector] = len(out)
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// calibration derives a per-strategy factor from the project's decided history.
// Strategies without rejections are left uncalibrated.
func (e *Engine) calibration(ctx context.Context, projectID string) (map[string]float64, error) {
	records, err := e.storage.ListRecords(ctx, projectID)
	if err != nil {
		return nil, err
	}
	accepted := make(map[string]int)
	rejected := make(map[string]int)
	for _, r := range records {
		if r.Strategy == "" {
			continue
		}
		switch {
		case r.State == models.HealingRejected:
			rejected[r.Strategy]++
		case r.State == models.HealingAutoApplied && r.RetrySucceeded != nil && !*r.RetrySucceeded:
			rejected[r.Strategy]++
		case r.State == models.HealingApproved, r.State == models.HealingAutoApplied:
			accepted[r.Strategy]++
		}
	}
	factors := make(map[string]float64, len(rejected))
	for s, rej := range rejected {
		acc := accepted[s]
		factors[s] = float64(acc+2) / float64(acc+rej+2)
	}
	return factors, nil
}

func (e *Engine) activate(ctx context.Context, record *models.HealingRecord) error {
	return e.storage.SaveOverride(ctx, &models.SelectorOverride{
		ProjectID:        record.ProjectID,
		OriginalSelector: record.OriginalSelector,
		HealedSelector:   record.HealedSelector,
		HealingID:        record.ID,
		Active:           true,
	})
}

func (e *Engine) deactivate(ctx context.Context, record *models.HealingRecord) error {
	override, err := e.storage.GetOverride(ctx, record.ProjectID, record.OriginalSelector)
	if err != nil || override == nil || override.HealingID != record.ID || !override.Active {
		return err
	}
	override.Active = false
	return e.storage.SaveOverride(ctx, override)
}

// Approve accepts a record's healed selector and activates it for the project
func (e *Engine) Approve(ctx context.Context, recordID, by string) (*models.HealingRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.storage.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := checkUndecided(record); err != nil {
		return nil, err
	}
	if record.HealedSelector == "" {
		return nil, fmt.Errorf("%w: %s", ErrNothingToApprove, recordID)
	}
	if err := e.activate(ctx, record); err != nil {
		return nil, err
	}
	e.decide(record, models.HealingApproved, by)
	if err := e.storage.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	e.logger.Info().Str("healing_id", recordID).Str("by", by).Msg("Healing approved")
	return record, nil
}

// Reject declines a record and withdraws its override if that override is active
func (e *Engine) Reject(ctx context.Context, recordID, by string) (*models.HealingRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.storage.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := checkUndecided(record); err != nil {
		return nil, err
	}
	if err := e.deactivate(ctx, record); err != nil {
		return nil, err
	}
	e.decide(record, models.HealingRejected, by)
	if err := e.storage.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	e.logger.Info().Str("healing_id", recordID).Str("by", by).Msg("Healing rejected")
	return record, nil
}

// checkUndecided refuses to move a record out of approved or rejected
func checkUndecided(record *models.HealingRecord) error {
	switch record.State {
	case models.HealingApproved, models.HealingRejected:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, record.ID, record.State)
	}
	return nil
}

func (e *Engine) decide(record *models.HealingRecord, state models.HealingState, by string) {
	now := e.now()
	record.State = state
	record.DecidedBy = by
	record.DecidedAt = &now
}

// RecordRetry stores the outcome of the retried step. A failed retry of an
// auto-applied heal withdraws the override.
func (e *Engine) RecordRetry(ctx context.Context, recordID string, succeeded bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.storage.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	record.RetrySucceeded = &succeeded
	if !succeeded && record.State == models.HealingAutoApplied {
		if err := e.deactivate(ctx, record); err != nil {
			return err
		}
	}
	return e.storage.SaveRecord(ctx, record)
}

// ResolveSelector returns the active override for selector, or selector itself
func (e *Engine) ResolveSelector(ctx context.Context, projectID, selector string) (string, bool, error) {
	override, err := e.storage.GetOverride(ctx, projectID, selector)
	if err != nil {
		return selector, false, err
	}
	if override == nil || !override.Active {
		return selector, false, nil
	}
	return override.HealedSelector, true, nil
}

// History returns the project's healing records, oldest first
func (e *Engine) History(ctx context.Context, projectID string) ([]*models.HealingRecord, error) {
	return e.storage.ListRecords(ctx, projectID)
}

// Overrides returns the project's selector overrides
func (e *Engine) Overrides(ctx context.Context, projectID string) ([]*models.SelectorOverride, error) {
	return e.storage.ListOverrides(ctx, projectID)
}
