package ledger

import (
	"github.com/eapache/go-resiliency/retrier"
)

// RetryClassifier retries only transient ledger failures. Business rejections
// are terminal and must surface verbatim.
type RetryClassifier struct{}

func (RetryClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case IsTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}
