// Package testutil provides shared test helpers for the selfheal test
// suite.
//
// All helpers accept [testing.TB]. Helpers that halt the test use
// [require]; helpers that only record failures use [assert].
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// RequireErrorCode halts the test if err is nil, is not an *sserr.Error,
// or does not carry code.
//
//	_, err := reg.Lookup("reboot-cluster")
//	testutil.RequireErrorCode(t, err, sserr.CodeUnknownAction)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is the non-halting form of RequireErrorCode, for
// table-driven tests.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// TempConfigFile writes content to config<ext> inside t.TempDir() with
// mode 0600 and returns its path.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600),
		"failed to write temp config file %s", path)
	return path
}

// SetEnv sets an environment variable and restores the previous value
// (or unsets it) when the test completes. Do not combine with t.Parallel
// for shared keys.
func SetEnv(t testing.TB, key, value string) {
	t.Helper()
	prev, existed := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value), "failed to set env var %s", key)
	t.Cleanup(func() {
		if existed {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// Context returns a context cancelled after d or when the test ends,
// whichever comes first.
func Context(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond every 5ms until it returns true or wait elapses,
// then fails the test with msg.
func Eventually(t testing.TB, wait time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, wait, 5*time.Millisecond, msg)
}
