package healing

import (
	"context"
	"errors"
	"testing"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/mqxerror/qa-guardian/internal/models"
	"github.com/mqxerror/qa-guardian/internal/services/browser/browsertest"
	"github.com/mqxerror/qa-guardian/internal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

const checkoutPage = `<html><head><title>Checkout</title></head><body>
<form id="checkout">
  <input name="email" type="email">
  <button class="btn-primary" data-testid="place-order">Place order</button>
  <button class="btn-secondary">Cancel</button>
</form>
<a href="/help">Need help?</a>
</body></html>`

func newEngine(t *testing.T) (*Engine, interfaces.HealingStorage) {
	t.Helper()
	logger := arbor.NewLogger()
	mgr, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewEngine(mgr.HealingStorage(), logger), mgr.HealingStorage()
}

func openPage(t *testing.T, doc *browsertest.Document) interfaces.Page {
	t.Helper()
	site := browsertest.NewSite().Add("https://shop.test/checkout", doc)
	session, err := browsertest.NewDriver(site).Launch(context.Background(), interfaces.LaunchOptions{})
	require.NoError(t, err)
	_, err = session.Page().Navigate(context.Background(), "https://shop.test/checkout")
	require.NoError(t, err)
	return session.Page()
}

func settings(threshold float64, strategies ...string) models.HealingSettings {
	return models.HealingSettings{Enabled: true, AutoHealThreshold: threshold, Strategies: strategies, CalibrationEnabled: true}
}

func TestAttemptHeal_AutoAppliesAboveThreshold(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(ctx, page, Attempt{
		ProjectID: "proj", RunID: "run-1", StepIndex: 2,
		Selector: "#submit-order",
		Hints:    &models.HealingHints{TestID: "place-order"},
		Settings: settings(0.8),
	})
	require.NoError(t, err)

	assert.Equal(t, models.HealingAutoApplied, record.State)
	assert.Equal(t, `[data-testid="place-order"]`, record.HealedSelector)
	assert.Equal(t, models.StrategyTestID, record.Strategy)
	assert.InDelta(t, 0.98, record.Confidence, 1e-9)

	resolved, ok, err := e.ResolveSelector(ctx, "proj", "#submit-order")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, record.HealedSelector, resolved)
}

func TestAttemptHeal_PendingBelowThreshold(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(ctx, page, Attempt{
		ProjectID: "proj", RunID: "run-1",
		Selector: "button.submit",
		Hints:    &models.HealingHints{Text: "Place order"},
		Settings: settings(0.9, models.StrategyText),
	})
	require.NoError(t, err)

	assert.Equal(t, models.HealingPendingApproval, record.State)
	assert.InDelta(t, 0.85, record.Confidence, 1e-9)
	assert.NotEmpty(t, record.HealedSelector)

	_, ok, err := e.ResolveSelector(ctx, "proj", "button.submit")
	require.NoError(t, err)
	assert.False(t, ok, "pending records must not apply an override")
}

func TestAttemptHeal_NoCandidate(t *testing.T) {
	e, storage := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(ctx, page, Attempt{ProjectID: "proj", Selector: "#gone", Settings: settings(0.8)})
	require.NoError(t, err)
	assert.Equal(t, models.HealingNoCandidate, record.State)
	assert.Empty(t, record.HealedSelector)

	history, err := storage.ListRecords(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, history, 1, "failed attempts are recorded too")
}

func TestAttemptHeal_RoleAndName(t *testing.T) {
	e, _ := newEngine(t)
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(context.Background(), page, Attempt{
		ProjectID: "proj", Selector: "#help",
		Hints:    &models.HealingHints{Role: "link", Name: "Need help?"},
		Settings: settings(0.9, models.StrategyRoleName),
	})
	require.NoError(t, err)
	assert.Equal(t, models.HealingAutoApplied, record.State)

	n, err := page.Count(context.Background(), record.HealedSelector)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttemptHeal_StableAncestor(t *testing.T) {
	e, _ := newEngine(t)
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(context.Background(), page, Attempt{
		ProjectID: "proj", Selector: "form input.email-field",
		Hints:    &models.HealingHints{Ancestor: "#checkout", Tag: "input"},
		Settings: settings(0.75, models.StrategyStableAncestor),
	})
	require.NoError(t, err)
	assert.Equal(t, models.HealingAutoApplied, record.State)
	assert.Equal(t, `input[name="email"]`, record.HealedSelector)
}

func TestAttemptHeal_VisualPosition(t *testing.T) {
	e, _ := newEngine(t)
	page := openPage(t, &browsertest.Document{
		HTML:  checkoutPage,
		Boxes: map[string]models.Rect{`[data-testid="place-order"]`: {X: 100, Y: 200, Width: 80, Height: 30}},
	})

	record, err := e.AttemptHeal(context.Background(), page, Attempt{
		ProjectID: "proj", Selector: "#old",
		Hints:    &models.HealingHints{LastBox: &models.Rect{X: 100, Y: 200, Width: 80, Height: 30}, Tag: "button"},
		Settings: settings(0.95, models.StrategyVisualPosition),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StrategyVisualPosition, record.Strategy)
	assert.InDelta(t, 0.9, record.Confidence, 1e-9)
	assert.Equal(t, models.HealingPendingApproval, record.State)
}

func TestApproveAndReject(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})
	attempt := Attempt{
		ProjectID: "proj", Selector: "button.submit",
		Hints:    &models.HealingHints{Text: "Place order"},
		Settings: settings(0.95, models.StrategyText),
	}

	record, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	require.Equal(t, models.HealingPendingApproval, record.State)

	approved, err := e.Approve(ctx, record.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.HealingApproved, approved.State)
	assert.Equal(t, "alice", approved.DecidedBy)
	assert.NotNil(t, approved.DecidedAt)

	_, ok, err := e.ResolveSelector(ctx, "proj", "button.submit")
	require.NoError(t, err)
	assert.True(t, ok)

	// An auto-applied heal can still be rejected, which withdraws its override
	attempt.Selector = "#submit-order"
	attempt.Hints = &models.HealingHints{TestID: "place-order"}
	attempt.Settings = settings(0.8, models.StrategyTestID)
	auto, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	require.Equal(t, models.HealingAutoApplied, auto.State)

	rejected, err := e.Reject(ctx, auto.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.HealingRejected, rejected.State)

	resolved, ok, err := e.ResolveSelector(ctx, "proj", "#submit-order")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "#submit-order", resolved)
}

func TestDecisionsAreFinal(t *testing.T) {
	e, storage := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})
	attempt := Attempt{
		ProjectID: "proj", Selector: "button.submit",
		Hints:    &models.HealingHints{Text: "Place order"},
		Settings: settings(0.95, models.StrategyText),
	}

	approved, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	_, err = e.Approve(ctx, approved.ID, "alice")
	require.NoError(t, err)

	_, err = e.Reject(ctx, approved.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = e.Approve(ctx, approved.ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	// The failed reject left the override and the decision untouched
	_, ok, err := e.ResolveSelector(ctx, "proj", "button.submit")
	require.NoError(t, err)
	assert.True(t, ok)
	stored, err := storage.GetRecord(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HealingApproved, stored.State)
	assert.Equal(t, "alice", stored.DecidedBy)

	rejected, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	_, err = e.Reject(ctx, rejected.ID, "bob")
	require.NoError(t, err)

	_, err = e.Approve(ctx, rejected.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = e.Reject(ctx, rejected.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestApprove_NoCandidate(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(ctx, page, Attempt{ProjectID: "proj", Selector: "#gone", Settings: settings(0.8)})
	require.NoError(t, err)

	_, err = e.Approve(ctx, record.ID, "alice")
	assert.True(t, errors.Is(err, ErrNothingToApprove))

	_, err = e.Approve(ctx, "heal_missing", "alice")
	assert.True(t, errors.Is(err, models.ErrHealingRecordNotFound))
}

func TestCalibration_RejectionsLowerConfidence(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})
	attempt := Attempt{
		ProjectID: "proj", Selector: "#submit-order",
		Hints:    &models.HealingHints{TestID: "place-order"},
		Settings: settings(0.8, models.StrategyTestID),
	}

	first, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	require.Equal(t, models.HealingAutoApplied, first.State)
	_, err = e.Reject(ctx, first.ID, "qa")
	require.NoError(t, err)

	// factor (0+2)/(0+1+2)
	second, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	assert.InDelta(t, 0.98*2.0/3.0, second.Confidence, 1e-9)
	assert.InDelta(t, 0.98, second.Candidates[0].RawConfidence, 1e-9)
	assert.Equal(t, models.HealingPendingApproval, second.State)

	attempt.Settings.CalibrationEnabled = false
	third, err := e.AttemptHeal(ctx, page, attempt)
	require.NoError(t, err)
	assert.InDelta(t, 0.98, third.Confidence, 1e-9)
}

func TestRecordRetry_FailureWithdrawsOverride(t *testing.T) {
	e, storage := newEngine(t)
	ctx := context.Background()
	page := openPage(t, &browsertest.Document{HTML: checkoutPage})

	record, err := e.AttemptHeal(ctx, page, Attempt{
		ProjectID: "proj", Selector: "#submit-order",
		Hints:    &models.HealingHints{TestID: "place-order"},
		Settings: settings(0.8),
	})
	require.NoError(t, err)

	require.NoError(t, e.RecordRetry(ctx, record.ID, false))

	stored, err := storage.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RetrySucceeded)
	assert.False(t, *stored.RetrySucceeded)

	_, ok, err := e.ResolveSelector(ctx, "proj", "#submit-order")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectorTag(t *testing.T) {
	assert.Equal(t, "button", selectorTag("form#checkout > button.primary"))
	assert.Equal(t, "input", selectorTag("input[name=email]"))
	assert.Equal(t, "", selectorTag("#submit"))
}
