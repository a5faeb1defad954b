package tierrouter

import "context"

// Invoker performs the inference call against one deployment. The router
// never knows its transport. ctx carries the deadline; implementations must
// abort when it is done.
type Invoker func(ctx context.Context, c DeploymentCandidate, p Payload) (Result, error)

// ErrorClass is the fallback decision for a failed call.
type ErrorClass int

const (
	ClassRetryable ErrorClass = iota
	ClassNonRetryable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Classifier maps an invoker error to an ErrorClass.
type Classifier func(err error) ErrorClass

// DefaultClassifier treats auth, invalid request and content policy errors as
// non-retryable and everything else (timeouts, rate limits, unavailable
// deployments, unknown transport errors) as retryable.
func DefaultClassifier(err error) ErrorClass {
	if IsFatal(err) {
		return ClassNonRetryable
	}
	return ClassRetryable
}
