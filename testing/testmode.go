// Package testing is imported for its side effect: binaries that import it
// run with test mode on and a throwaway CSRF secret.
package testing

import "os"

func init() {
	_ = os.Setenv("ATLAS_TEST_MODE", "1")
	if _, ok := os.LookupEnv("CSRF_SECRET"); !ok {
		_ = os.Setenv("CSRF_SECRET", "test-csrf-secret")
	}
}
