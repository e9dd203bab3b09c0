package browser_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/fleetalert/internal/browser"
)

func TestIsTargetClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", browser.ErrTargetClosed, true},
		{"wrapped sentinel", fmt.Errorf("locate: %w", browser.ErrTargetClosed), true},
		{"not launched", browser.ErrNotLaunched, true},
		{"cdp target", errors.New("{-32000 No target with given id found }"), true},
		{"closed socket", errors.New("read tcp 127.0.0.1:1->127.0.0.1:2: use of closed network connection"), true},
		{"selector timeout", errors.New("context deadline exceeded"), false},
		{"missing page", browser.ErrPageNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, browser.IsTargetClosed(tt.err))
		})
	}
}

func TestBlocked(t *testing.T) {
	patterns := []string{"apps.powerapps.com/apphost/e/", "100k.gif", ""}
	assert.True(t, browser.Blocked("https://goto.crm4.dynamics.com/apc/100k.gif?x=1", patterns))
	assert.True(t, browser.Blocked("https://apps.powerapps.com/apphost/e/123", patterns))
	assert.False(t, browser.Blocked("https://goto.crm4.dynamics.com/main.aspx", patterns))
	assert.False(t, browser.Blocked("https://anything", nil))
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()

	first := browser.UniquePath(dir, "report.csv")
	assert.Equal(t, filepath.Join(dir, "report.csv"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o600))

	second := browser.UniquePath(dir, "report.csv")
	assert.Equal(t, filepath.Join(dir, "report (1).csv"), second)

	assert.Equal(t, filepath.Join(dir, "download"), browser.UniquePath(dir, ""))
	assert.Equal(t, filepath.Join(dir, "passwd"), browser.UniquePath(dir, "../../etc/passwd"))
}
