package apierrors

import "testing"

func TestRegistry_CoreCodesRegistered(t *testing.T) {
	codes := Registry.All()
	if len(codes) == 0 {
		t.Fatal("no codes registered")
	}

	mustExist := []string{
		CodeNetworkError,
		CodeAuthError,
		CodeRateLimit,
		CodeTimeout,
		CodeParseError,
		CodeProviderError,
		CodeSandboxLimit,
		CodePermissionDenied,
		CodeStorageLimit,
		CodeCacheError,
		CodeIncompatibleAPI,
		CodeUnknown,
	}

	for _, code := range mustExist {
		if _, ok := Registry.Get(code); !ok {
			t.Errorf("taxonomy code %q not registered", code)
		}
	}
}

func TestRegistry_Retryable(t *testing.T) {
	retryable := []string{CodeNetworkError, CodeTimeout, CodeRateLimit, CodeProviderError, CodeStorageLimit, CodeCacheError}
	for _, code := range retryable {
		if !Registry.Retryable(code) {
			t.Errorf("%q should be retryable", code)
		}
	}

	notRetryable := []string{CodeAuthError, CodeParseError, CodeSandboxLimit, CodePermissionDenied, CodeIncompatibleAPI}
	for _, code := range notRetryable {
		if Registry.Retryable(code) {
			t.Errorf("%q should not be retryable", code)
		}
	}
}

func TestRegistry_UnknownCode(t *testing.T) {
	if Registry.Retryable("not-a-real-code") {
		t.Error("unknown code should not be retryable")
	}
	if msg := Registry.Message("not-a-real-code"); msg != "not-a-real-code" {
		t.Errorf("Message for unknown code = %q, want the code itself", msg)
	}
}
