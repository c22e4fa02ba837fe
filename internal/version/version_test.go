package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringUsesLinkerValues(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldVersion, oldCommit, oldDate })

	Version, Commit, BuildDate = "1.2.0", "abc123", "2025-12-19"
	s := String()
	assert.Contains(t, s, "meterwatch 1.2.0")
	assert.Contains(t, s, "commit: abc123")
	assert.Contains(t, s, "built: 2025-12-19")
}
