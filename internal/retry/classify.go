package retry

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// retryableCodes is the closed set of service error codes treated as
// transient. Everything outside it is fatal by default.
var retryableCodes = map[string]struct{}{
	"ThrottlingException":           {},
	"TooManyRequestsException":      {},
	"ServiceQuotaExceededException": {},
	"InternalServerException":       {},
	"ServiceUnavailableException":   {},
	"RequestTimeout":                {},
	"RequestTimeoutException":       {},
}

// ClassifyAWS maps a service error to a retry class using its API error
// code. Connection-level failures (no API error available) count as
// retryable; context cancellation is fatal.
func ClassifyAWS(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retryableCodes[apiErr.ErrorCode()]; ok {
			return ClassRetryable
		}
		return ClassFatal
	}

	// No structured code: transport-level failure, worth retrying.
	return ClassRetryable
}
