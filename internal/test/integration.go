package test

import (
	"os"
	"testing"
)

// IntegrationEnv enables tests that need Docker or cloud credentials.
const IntegrationEnv = "CLUSTERRUN_INTEGRATION"

// Integration skips t unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("skipping integration test, set %s=1 to run", IntegrationEnv)
	}
}
