package executors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mqxerror/qa-guardian/internal/execution/executiontest"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/browser/browsertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checkoutHTML = `<html lang="en"><head><title>Checkout</title></head><body>
<form id="checkout">
  <label for="email">Email</label>
  <input id="email" name="email" type="email">
  <button class="btn-primary" data-testid="place-order">Place order</button>
</form>
<p class="status">Ready to order</p>
</body></html>`

func checkoutActions() []models.E2EAction {
	return []models.E2EAction{
		{Type: models.ActionNavigate, Value: "/checkout"},
		{Type: models.ActionFill, Selector: "#email", Value: "buyer@shop.test"},
		{Type: models.ActionClick, Selector: "#submit-order", Hints: &models.HealingHints{TestID: "place-order"}},
	}
}

func TestE2E_AllActionsPass(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		BaseURL: "https://shop.test",
		E2E: &models.E2EConfig{Actions: []models.E2EAction{
			{Type: models.ActionNavigate, Value: "/checkout"},
			{Type: models.ActionAssertText, Selector: ".status", Value: "Ready"},
			{Type: models.ActionAssertVisible, Selector: "#email"},
			{Type: models.ActionAssertURL, Value: "/checkout"},
		}},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, result.Verdict)
	assert.Equal(t, 4, result.E2E.PassedActions)
	assert.Equal(t, "4/4 actions passed", result.Summary)

	run := stored(t, h, ec.Run.ID)
	require.Len(t, run.Steps, 4)
	for _, s := range run.Steps {
		assert.Equal(t, models.StepStatusPassed, s.Status, s.Name)
	}
}

func TestE2E_HealedSelectorRetriesAsSeparateStep(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		BaseURL: "https://shop.test",
		E2E:     &models.E2EConfig{Actions: checkoutActions()},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, result.Verdict)
	assert.Equal(t, 1, result.E2E.Healed)
	require.Len(t, result.E2E.HealingIDs, 1)

	run := stored(t, h, ec.Run.ID)
	require.Len(t, run.Steps, 4)
	assert.Equal(t, models.StepStatusFailed, run.Steps[2].Status)
	assert.Equal(t, models.StepStatusPassed, run.Steps[3].Status)
	assert.True(t, run.Steps[3].Retry)
	assert.Equal(t, result.E2E.HealingIDs[0], run.Steps[2].HealingID)
	assert.Equal(t, result.E2E.HealingIDs[0], run.Steps[3].HealingID)

	record, err := h.Storage.HealingStorage().GetRecord(context.Background(), result.E2E.HealingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.HealingAutoApplied, record.State)
	assert.Equal(t, `[data-testid="place-order"]`, record.HealedSelector)
	assert.Equal(t, 1, h.Events.Count(ec.Run.ID, models.EventHealingRecorded))

	page := h.Driver.Sessions()[0].FakePage()
	assert.Contains(t, page.Actions(), `click [data-testid="place-order"]`)
}

func TestE2E_OverrideAppliesOnNextRun(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	exec := NewE2EExecutor()
	config := models.RunConfig{BaseURL: "https://shop.test", E2E: &models.E2EConfig{Actions: checkoutActions()}}

	first := start(t, h, exec, config)
	_, err := exec.Execute(context.Background(), first)
	require.NoError(t, err)
	first.ReleaseBrowser()

	second := start(t, h, exec, config)
	result, err := exec.Execute(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, result.Verdict)
	assert.Zero(t, result.E2E.Healed)

	run := stored(t, h, second.Run.ID)
	require.Len(t, run.Steps, 3)
	assert.Contains(t, run.Steps[2].Notes[0], "selector override applied")
}

func TestE2E_PendingHealStopsRun(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	projectSettings(t, h, func(p *models.ProjectSettings) { p.Healing.AutoHealThreshold = 0.99 })
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		BaseURL: "https://shop.test",
		E2E:     &models.E2EConfig{Actions: checkoutActions()},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, err, "assertion-class failures complete the run")
	assert.Equal(t, models.VerdictFail, result.Verdict)
	assert.Equal(t, 1, result.E2E.FailedActions)
	assert.Equal(t, 3, result.E2E.StoppedAt)

	run := stored(t, h, ec.Run.ID)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, models.StepStatusFailed, run.Steps[2].Status)

	record, err := h.Storage.HealingStorage().GetRecord(context.Background(), run.Steps[2].HealingID)
	require.NoError(t, err)
	assert.Equal(t, models.HealingPendingApproval, record.State)
}

func TestE2E_HealingDisabledFailsWithScreenshot(t *testing.T) {
	h := executiontest.New(t)
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	projectSettings(t, h, func(p *models.ProjectSettings) { p.Healing.Enabled = false })
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		BaseURL: "https://shop.test",
		E2E: &models.E2EConfig{Actions: append(checkoutActions(),
			models.E2EAction{Type: models.ActionAssertURL, Value: "/done"})},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, result.Verdict)
	assert.Equal(t, "2/4 actions passed", result.Summary)

	run := stored(t, h, ec.Run.ID)
	require.Len(t, run.Steps, 3, "the run stops at the first failure")
	assert.Empty(t, run.Steps[2].HealingID)
	require.Len(t, run.Steps[2].Artifacts, 1)
	assert.Equal(t, models.ArtifactScreenshot, run.Steps[2].Artifacts[0].Kind)
}

func TestE2E_UnreachableTargetReturnsError(t *testing.T) {
	h := executiontest.New(t)
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		E2E: &models.E2EConfig{Actions: []models.E2EAction{{Type: models.ActionNavigate, Value: "https://down.test/"}}},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTargetUnreachable))
	require.NotNil(t, result)
	assert.Equal(t, models.VerdictFail, result.Verdict)
	assert.Len(t, stored(t, h, ec.Run.ID).Steps, 1)
}

func TestE2E_HTTPErrorStatusFailsNavigate(t *testing.T) {
	h := executiontest.New(t)
	h.Site.Add("https://shop.test/broken", &browsertest.Document{HTML: "<html><body>oops</body></html>", Status: 500})
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		E2E: &models.E2EConfig{Actions: []models.E2EAction{{Type: models.ActionNavigate, Value: "https://shop.test/broken"}}},
	})

	result, err := exec.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictFail, result.Verdict)
	assert.Contains(t, stored(t, h, ec.Run.ID).Steps[0].Error, "HTTP 500")
}

func TestResolveURL(t *testing.T) {
	got, err := resolveURL("https://shop.test/app/", "checkout")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/app/checkout", got)

	got, err = resolveURL("https://shop.test", "https://other.test/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/x", got)

	got, err = resolveURL("", "https://other.test/")
	require.NoError(t, err)
	assert.Equal(t, "https://other.test/", got)

	got, err = resolveURL("https://shop.test/home", "")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.test/home", got)
}

func TestE2E_ResumeAfterIdleTimeoutUsesRelaunchedBrowser(t *testing.T) {
	h := executiontest.New(t)
	h.Config.Executor.PauseIdleTimeout = 50 * time.Millisecond
	h.Site.AddHTML("https://shop.test/checkout", checkoutHTML)
	exec := NewE2EExecutor()
	ec := start(t, h, exec, models.RunConfig{
		BaseURL: "https://shop.test",
		E2E: &models.E2EConfig{Actions: []models.E2EAction{
			{Type: models.ActionNavigate, Value: "/checkout"},
			{Type: models.ActionAssertText, Selector: ".status", Value: "Ready"},
		}},
	})
	ctx := context.Background()

	_, err := h.Services.Runs.RequestPause(ctx, ec.Run.ID)
	require.NoError(t, err)
	resumed := resumeAfter(h, ec.Run.ID, 200*time.Millisecond)

	result, err := exec.Execute(ctx, ec)
	require.NoError(t, <-resumed)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, result.Verdict)

	sessions := h.Driver.Sessions()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].Closed())
	assert.Empty(t, sessions[0].FakePage().Actions())
	assert.False(t, sessions[1].Closed())
	assert.Equal(t, []string{"navigate https://shop.test/checkout"}, sessions[1].FakePage().Actions())
}
