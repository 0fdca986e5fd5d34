package controlplane

import "errors"

var (
	// ErrProviderUnavailable indicates the flaky-test service could not be reached.
	ErrProviderUnavailable = errors.New("rerun: policy provider unavailable")
	// ErrPolicyNotFound indicates the service has no flaky tests for the query.
	ErrPolicyNotFound = errors.New("rerun: policy not found")
	// ErrPolicyFetchFailed indicates a provider failure other than unavailability.
	ErrPolicyFetchFailed = errors.New("rerun: policy fetch failed")
)
