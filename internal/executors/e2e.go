package executors

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/healing"
)

// E2EExecutor runs an ordered list of browser actions and assertions.
// The run stops at the first failed action; a selector that no longer matches
// is handed to the healing engine first.
type E2EExecutor struct{}

// NewE2EExecutor creates the e2e executor
func NewE2EExecutor() *E2EExecutor {
	return &E2EExecutor{}
}

func (e *E2EExecutor) Type() models.TestType { return models.TestTypeE2E }

func (e *E2EExecutor) NeedsBrowser() bool { return true }

// Execute runs every action as one step
func (e *E2EExecutor) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	cfg := ec.Run.Config.E2E
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing e2e section", models.ErrInvalidRunConfig)
	}

	summary := &models.E2EResult{TotalActions: len(cfg.Actions)}
	result := func() *models.RunResult { return e2eResult(summary) }

	for i, action := range cfg.Actions {
		step, err := ec.BeginStep(ctx, actionName(i, action))
		if err != nil {
			return result(), err
		}
		// A long pause may have relaunched the browser
		page, err := ec.Page()
		if err != nil {
			return result(), err
		}

		selector, err := e.resolve(ctx, ec, step, action.Selector)
		if err != nil {
			return result(), err
		}

		actErr := e.perform(ctx, ec, page, step, action, selector)
		if actErr == nil {
			if _, err := ec.RecordStep(ctx, step, nil); err != nil {
				return result(), err
			}
			summary.PassedActions++
			continue
		}

		if errors.Is(actErr, models.ErrElementNotFound) && action.Selector != "" && ec.Project.Healing.Enabled {
			healed, err := e.heal(ctx, ec, page, step, action, actErr, summary)
			if err != nil {
				return result(), err
			}
			if healed {
				summary.PassedActions++
				continue
			}
		} else {
			e.captureFailure(ctx, ec, step, actErr)
			if _, err := ec.RecordStep(ctx, step, actErr); err != nil {
				return result(), err
			}
		}

		summary.FailedActions++
		summary.StoppedAt = i + 1
		ec.Logger.Info().Int("action", i+1).Str("type", string(action.Type)).Err(actErr).Msg("Action failed, stopping")
		if class := execution.Classify(actErr); class != models.FailureAssertion {
			return result(), actErr
		}
		break
	}

	return result(), nil
}

func e2eResult(summary *models.E2EResult) *models.RunResult {
	verdict := models.VerdictPass
	if summary.FailedActions > 0 {
		verdict = models.VerdictFail
	}
	text := fmt.Sprintf("%d/%d actions passed", summary.PassedActions, summary.TotalActions)
	if summary.Healed > 0 {
		text += fmt.Sprintf(", %d healed", summary.Healed)
	}
	return &models.RunResult{Verdict: verdict, Summary: text, E2E: summary}
}

func actionName(i int, a models.E2EAction) string {
	if a.Name != "" {
		return a.Name
	}
	if a.Selector != "" {
		return fmt.Sprintf("%d. %s %s", i+1, a.Type, a.Selector)
	}
	if a.Value != "" {
		return fmt.Sprintf("%d. %s %s", i+1, a.Type, a.Value)
	}
	return fmt.Sprintf("%d. %s", i+1, a.Type)
}

// resolve applies an active selector override for the project
func (e *E2EExecutor) resolve(ctx context.Context, ec *execution.ExecutionContext, step *execution.Step, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	resolved, ok, err := ec.Services.Healing.ResolveSelector(ctx, ec.Run.ProjectID, selector)
	if err != nil {
		return "", err
	}
	if ok {
		step.Note("selector override applied: %s -> %s", selector, resolved)
		return resolved, nil
	}
	return selector, nil
}

// heal records the failed attempt, then retries once when the engine
// auto-applied an override. The retry is appended as its own step.
func (e *E2EExecutor) heal(ctx context.Context, ec *execution.ExecutionContext, page interfaces.Page, step *execution.Step, action models.E2EAction, actErr error, summary *models.E2EResult) (bool, error) {
	record, err := ec.Services.Healing.AttemptHeal(ctx, page, healing.Attempt{
		ProjectID: ec.Run.ProjectID,
		RunID:     ec.Run.ID,
		StepIndex: step.Index,
		Selector:  action.Selector,
		Hints:     action.Hints,
		Settings:  ec.Project.Healing,

		SnapshotLimit: ec.Services.Config.Healing.SnapshotHTMLLimit,
	})
	if err != nil {
		ec.Logger.Warn().Err(err).Str("selector", action.Selector).Msg("Healing attempt failed")
		step.Note("healing unavailable: %v", err)
		_, recErr := ec.RecordStep(ctx, step, actErr)
		return false, recErr
	}

	step.HealingID = record.ID
	summary.HealingIDs = append(summary.HealingIDs, record.ID)
	step.Note("healing %s: %s", record.State, describeHeal(record))
	ec.Emit(ctx, models.EventHealingRecorded, map[string]interface{}{
		"run_id":     ec.Run.ID,
		"healing_id": record.ID,
		"state":      string(record.State),
		"selector":   record.OriginalSelector,
		"healed":     record.HealedSelector,
		"confidence": record.Confidence,
	})
	if _, err := ec.RecordStep(ctx, step, actErr); err != nil {
		return false, err
	}
	if record.State != models.HealingAutoApplied {
		return false, nil
	}

	retry, err := ec.BeginStep(ctx, step.Name+" (healed)")
	if err != nil {
		return false, err
	}
	retry.Retry = true
	retry.HealingID = record.ID
	retry.Note("retried with %s", record.HealedSelector)
	if page, err = ec.Page(); err != nil {
		return false, err
	}

	retryErr := e.perform(ctx, ec, page, retry, action, record.HealedSelector)
	if err := ec.Services.Healing.RecordRetry(ctx, record.ID, retryErr == nil); err != nil {
		ec.Logger.Warn().Err(err).Str("healing_id", record.ID).Msg("Failed to record healed retry outcome")
	}
	if retryErr != nil {
		e.captureFailure(ctx, ec, retry, retryErr)
	}
	if _, err := ec.RecordStep(ctx, retry, retryErr); err != nil {
		return false, err
	}
	if retryErr != nil {
		return false, nil
	}
	summary.Healed++
	return true, nil
}

func describeHeal(r *models.HealingRecord) string {
	if r.HealedSelector == "" {
		return fmt.Sprintf("no candidate for %s", r.OriginalSelector)
	}
	return fmt.Sprintf("%s -> %s (%s, %.2f)", r.OriginalSelector, r.HealedSelector, r.Strategy, r.Confidence)
}

// captureFailure attaches a viewport screenshot to a failed step
func (e *E2EExecutor) captureFailure(ctx context.Context, ec *execution.ExecutionContext, step *execution.Step, actErr error) {
	if execution.Classify(actErr) != models.FailureAssertion {
		return
	}
	shot, err := ec.Capture(ctx, false)
	if err != nil {
		ec.Logger.Debug().Err(err).Msg("Failure screenshot not captured")
		return
	}
	if _, err := ec.PersistArtifact(ctx, step, models.ArtifactScreenshot, "failure", shot.Format, shot.Data); err != nil && !errors.Is(err, models.ErrQuotaExceeded) {
		ec.Logger.Warn().Err(err).Msg("Failure screenshot not stored")
	}
}

func (e *E2EExecutor) perform(ctx context.Context, ec *execution.ExecutionContext, page interfaces.Page, step *execution.Step, action models.E2EAction, selector string) error {
	if timeout := ec.Services.Config.Executor.StepTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch action.Type {
	case models.ActionNavigate:
		target, err := resolveURL(ec.Run.Config.BaseURL, action.Value)
		if err != nil {
			return err
		}
		nav, err := page.Navigate(ctx, target)
		if err != nil {
			return err
		}
		if len(nav.Redirects) > 0 {
			step.Note("redirected to %s", nav.URL)
		}
		if nav.StatusCode >= 400 {
			return fmt.Errorf("%w: %s returned HTTP %d", models.ErrAssertionFailed, nav.URL, nav.StatusCode)
		}
		return nil

	case models.ActionClick:
		return page.Click(ctx, selector)

	case models.ActionFill:
		return page.Fill(ctx, selector, action.Value)

	case models.ActionPress:
		return page.Press(ctx, selector, action.Value)

	case models.ActionAssertText:
		text, err := page.Text(ctx, selector)
		if err != nil {
			return err
		}
		if !strings.Contains(text, action.Value) {
			return fmt.Errorf("%w: %s text %q does not contain %q", models.ErrAssertionFailed, selector, text, action.Value)
		}
		return nil

	case models.ActionAssertVisible:
		n, err := page.Count(ctx, selector)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", models.ErrElementNotFound, selector)
		}
		visible, err := page.Visible(ctx, selector)
		if err != nil {
			return err
		}
		if !visible {
			return fmt.Errorf("%w: %s is not visible", models.ErrAssertionFailed, selector)
		}
		return nil

	case models.ActionAssertURL:
		current, err := page.URL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(current, action.Value) {
			return fmt.Errorf("%w: url %q does not contain %q", models.ErrAssertionFailed, current, action.Value)
		}
		return nil

	case models.ActionWait:
		timer := time.NewTimer(action.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case models.ActionWaitFor:
		timeout := action.Duration
		if timeout <= 0 {
			timeout = ec.Services.Config.Browser.ActionTimeout
		}
		return page.WaitFor(ctx, selector, timeout)

	case models.ActionScreenshot:
		shot, err := ec.Capture(ctx, action.Value == "full")
		if err != nil {
			return err
		}
		if shot.Partial {
			step.Note("partial capture: %s", shot.PartialReason)
		}
		name := action.Name
		if name == "" {
			name = "screenshot"
		}
		if _, err := ec.PersistArtifact(ctx, step, models.ArtifactScreenshot, name, shot.Format, shot.Data); err != nil && !errors.Is(err, models.ErrQuotaExceeded) {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", models.ErrInvalidRunConfig, action.Type)
}

// resolveURL joins a relative navigate target onto the run's base url
func resolveURL(base, target string) (string, error) {
	if target == "" {
		target = base
	}
	if base == "" {
		return target, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", models.ErrInvalidRunConfig, err)
	}
	t, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: navigate url: %v", models.ErrInvalidRunConfig, err)
	}
	return b.ResolveReference(t).String(), nil
}
