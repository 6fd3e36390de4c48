package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const customRules = `
rules:
  - name: internal_scanner
    type: user_agent_contains
    patterns: [ScannerX]
  - name: plus_addressing
    type: identity_contains
    patterns: ["+"]
`

func TestDefaultRules(t *testing.T) {
	rs := DefaultRules()

	assert.Empty(t, rs.Screen(Input{Identity: "a@x.com", UserAgent: "Mozilla/5.0"}))
	assert.Equal(t, []string{"suspicious_user_agent"}, rs.Screen(Input{Identity: "a@x.com", UserAgent: "curl/8.1"}))
	assert.Equal(t, []string{"missing_user_agent"}, rs.Screen(Input{Identity: "a@x.com"}))
	assert.Equal(t, []string{"injection_pattern"}, rs.Screen(Input{Identity: "<script>@x.com", UserAgent: "Mozilla/5.0"}))
}

func TestParseRules(t *testing.T) {
	rs, err := ParseRules([]byte(customRules))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)

	hits := rs.Screen(Input{Identity: "a+b@x.com", UserAgent: "scannerx/1.0"})
	assert.ElementsMatch(t, []string{"internal_scanner", "plus_addressing"}, hits)
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown type":     "rules:\n  - name: a\n    type: nope\n",
		"missing name":     "rules:\n  - type: missing_user_agent\n",
		"missing patterns": "rules:\n  - name: a\n    type: user_agent_contains\n",
		"not yaml":         "rules: [",
	} {
		_, err := ParseRules([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestWatcher_DefaultsWithoutPath(t *testing.T) {
	w, err := NewWatcher("", nil)
	require.NoError(t, err)
	assert.NoError(t, w.Start(context.Background()))
	assert.Equal(t, []string{"suspicious_user_agent"}, w.Screen(Input{UserAgent: "wget"}))
	assert.NoError(t, w.Close())
}

func TestWatcher_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customRules), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.Len(t, w.Rules().Rules, 2)

	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o600))
	assert.Error(t, w.Reload())
	assert.Len(t, w.Rules().Rules, 2)
}

func TestWatcher_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customRules), 0o600))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Close() }()

	updated := "rules:\n  - name: only_missing_ua\n    type: missing_user_agent\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		rs := w.Rules()
		return len(rs.Rules) == 1 && rs.Rules[0].Name == "only_missing_ua"
	}, 3*time.Second, 20*time.Millisecond)
}
