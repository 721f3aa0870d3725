package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRichVersionIncludesCommit(t *testing.T) {
	prev := CommitHash
	t.Cleanup(func() { CommitHash = prev })

	CommitHash = ""
	require.Equal(t, Version(), RichVersion())

	CommitHash = "abc123"
	require.Equal(t, Version()+" commit_hash=abc123", RichVersion())
}

func TestNormalizeStripsInvalid(t *testing.T) {
	require.Equal(t, "rc-1", normalize("rc.-1!"))
}
