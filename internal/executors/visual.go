package executors

import (
	"context"
	"errors"
	"fmt"

	"github.com/mqxerror/qa-guardian/internal/execution"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/baselines"
	"github.com/mqxerror/qa-guardian/internal/services/visual"
)

// VisualExecutor captures one screenshot per viewport and compares it with the
// current baseline. Viewports are independent: a failed comparison does not
// stop the remaining ones.
type VisualExecutor struct{}

// NewVisualExecutor creates the visual regression executor
func NewVisualExecutor() *VisualExecutor {
	return &VisualExecutor{}
}

func (e *VisualExecutor) Type() models.TestType { return models.TestTypeVisual }

func (e *VisualExecutor) NeedsBrowser() bool { return true }

func (e *VisualExecutor) Execute(ctx context.Context, ec *execution.ExecutionContext) (*models.RunResult, error) {
	cfg := ec.Run.Config.Visual
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing visual section", models.ErrInvalidRunConfig)
	}
	opts, err := visual.OptionsFromSettings(ec.Project.Visual, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRunConfig, err)
	}
	target, err := resolveURL(ec.Run.Config.BaseURL, cfg.URL)
	if err != nil {
		return nil, err
	}
	fullPage := ec.Project.Visual.FullPage
	if cfg.FullPage != nil {
		fullPage = *cfg.FullPage
	}

	summary := &models.VisualRunResult{}
	for _, vp := range e.viewports(ec) {
		step, err := ec.BeginStep(ctx, "viewport "+vp.String())
		if err != nil {
			return visualResult(summary), err
		}

		vc, stepErr := e.compareViewport(ctx, ec, step, vp, target, fullPage, opts)
		summary.Viewports = append(summary.Viewports, vc)
		if _, err := ec.RecordStep(ctx, step, stepErr); err != nil {
			return visualResult(summary), err
		}

		if stepErr != nil {
			ec.Logger.Info().Str("viewport", vp.String()).Str("status", string(vc.Status)).Err(stepErr).Msg("Viewport comparison failed")
			if execution.Classify(stepErr) == models.FailureEnvironment {
				return visualResult(summary), stepErr
			}
		}
	}
	return visualResult(summary), nil
}

// viewports prefers the run list, then the project list, then the run viewport
func (e *VisualExecutor) viewports(ec *execution.ExecutionContext) []models.Viewport {
	if vps := ec.Run.Config.Visual.Viewports; len(vps) > 0 {
		return vps
	}
	if vps := ec.Project.Visual.Viewports; len(vps) > 0 {
		return vps
	}
	if vp := ec.Run.Config.Viewport; vp != nil {
		return []models.Viewport{*vp}
	}
	return []models.Viewport{models.DefaultViewport}
}

func (e *VisualExecutor) compareViewport(ctx context.Context, ec *execution.ExecutionContext, step *execution.Step, vp models.Viewport, target string, fullPage bool, opts visual.Options) (models.ViewportComparison, error) {
	vc := models.ViewportComparison{Viewport: vp, Status: models.ViewportError}
	page, err := ec.Page()
	if err != nil {
		return vc, err
	}

	if err := page.SetViewport(ctx, vp); err != nil {
		return vc, err
	}
	if _, err := page.Navigate(ctx, target); err != nil {
		return vc, err
	}
	if sel := ec.Run.Config.Visual.WaitFor; sel != "" {
		if err := page.WaitFor(ctx, sel, ec.Services.Config.Browser.ActionTimeout); err != nil {
			return vc, err
		}
	}

	shot, err := ec.Capture(ctx, fullPage)
	if err != nil {
		return vc, err
	}
	if shot.Partial {
		vc.Partial = true
		vc.Note = shot.PartialReason
		step.Note("partial capture: %s", shot.PartialReason)
	}

	// A visual step without its screenshot has nothing to review
	if _, err := ec.PersistArtifact(ctx, step, models.ArtifactScreenshot, "candidate-"+vp.String(), shot.Format, shot.Data); err != nil {
		return vc, err
	}

	candidate, err := visual.DecodeImage(shot.Data)
	if err != nil {
		return vc, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	key := models.BaselineKey{ProjectID: ec.Run.ProjectID, TestName: ec.Run.TestName, Viewport: vp}
	has, err := ec.Services.Baselines.HasBaseline(ctx, key)
	if err != nil {
		return vc, err
	}
	if !has {
		if !ec.Project.Visual.AutoCreateBaseline {
			vc.Status = models.ViewportBaselineMissing
			return vc, fmt.Errorf("%w: %s", models.ErrBaselineMissing, key.ID())
		}
		version, err := ec.Services.Baselines.SaveBaselineData(ctx, key, shot.Data, baselines.SaveOptions{
			CreatedBy: "auto",
			RunID:     ec.Run.ID,
			Note:      "created from first capture",
		})
		if err != nil {
			return vc, err
		}
		vc.Status = models.ViewportBaselineCreated
		vc.BaselineVersion = version.Version
		step.Note("baseline v%d created for %s", version.Version, vp.String())
		return vc, nil
	}

	baseline, version, err := ec.Services.Baselines.LoadBaselineWithValidation(ctx, key)
	if err != nil {
		return vc, err
	}
	vc.BaselineVersion = version.Version

	cmp := visual.Compare(candidate, baseline, opts)
	vc.Comparison = cmp.Result

	if cmp.Result.ChangedPixels > 0 {
		data, err := visual.EncodePNG(cmp.Overlay)
		if err != nil {
			return vc, err
		}
		ref, err := ec.PersistArtifact(ctx, step, models.ArtifactDiff, "diff-"+vp.String(), "png", data)
		switch {
		case err == nil:
			cmp.Result.DiffImage = ref
		case !errors.Is(err, models.ErrQuotaExceeded):
			return vc, err
		}
	}

	if cmp.Result.Status == models.DiffFail {
		vc.Status = models.ViewportFailed
		return vc, fmt.Errorf("%w: %.4f%% of pixels differ, threshold %.4f%%",
			models.ErrAssertionFailed, cmp.Result.DiffPercentage, cmp.Result.Threshold)
	}
	vc.Status = models.ViewportPassed
	return vc, nil
}

func visualResult(summary *models.VisualRunResult) *models.RunResult {
	verdict := models.VerdictPass
	passed := 0
	for _, vc := range summary.Viewports {
		switch vc.Status {
		case models.ViewportPassed, models.ViewportBaselineCreated:
			passed++
		default:
			verdict = models.VerdictFail
		}
	}
	return &models.RunResult{
		Verdict: verdict,
		Summary: fmt.Sprintf("%d/%d viewports passed", passed, len(summary.Viewports)),
		Visual:  summary,
	}
}
