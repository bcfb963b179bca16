package execution

import (
	"context"
	"errors"

	"github.com/mqxerror/qa-guardian/internal/models"
)

var classes = []struct {
	class string
	errs  []error
}{
	{models.FailureCancelled, []error{models.ErrRunCancelled, context.Canceled}},
	{models.FailureValidation, []error{models.ErrScriptValidation, models.ErrInvalidRunConfig, models.ErrUnsupportedTestType}},
	{models.FailureResourceLimit, []error{models.ErrQuotaExceeded, models.ErrResourceExhausted}},
	{models.FailureEnvironment, []error{
		models.ErrLaunchFailure, models.ErrBrowserCrash, models.ErrNetworkTimeout, models.ErrTargetUnreachable,
		models.ErrAuditTimeout, models.ErrAuthRedirect, models.ErrNonHTMLResponse, context.DeadlineExceeded,
	}},
	{models.FailureAssertion, []error{models.ErrAssertionFailed, models.ErrElementNotFound, models.ErrBaselineMissing, models.ErrBaselineCorrupt}},
}

// Classify maps an error to the failure class recorded on the run
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return models.FailureInternal
}
