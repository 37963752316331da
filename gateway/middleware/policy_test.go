package middleware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadScopePolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	contents := `default: [payments:read]
subjects:
  billing-agent: [payments:read, payments:write]
  ops: [payments:admin]
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	policy, err := LoadScopePolicy(path)
	require.NoError(t, err)
	require.Equal(t, []string{ScopeRead, ScopeWrite}, policy.ScopesFor("billing-agent"))
	require.Equal(t, []string{ScopeAdmin}, policy.ScopesFor("ops"))
	require.Equal(t, []string{ScopeRead}, policy.ScopesFor("unknown-subject"))
}

func TestLoadScopePolicyRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subjects: [not a map"), 0o600))

	_, err := LoadScopePolicy(path)
	require.Error(t, err)
}

func TestScopesForNilPolicy(t *testing.T) {
	var policy *ScopePolicy
	require.Nil(t, policy.ScopesFor("anyone"))
}
