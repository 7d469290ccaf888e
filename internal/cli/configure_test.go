package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnoorkhalid8/digitalfte/internal/config"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := executeCommand(t, "", "configure", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "interactive configuration wizard")
	})

	t.Run("saves wizard answers", func(t *testing.T) {
		path, _ := writeTestConfig(t)
		answers := "\ncompany.com\n5000\n\nn\n"

		out, err := executeCommand(t, answers, "--config", path, "configure")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration saved to: "+path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"company.com"}, cfg.Approval.CompanyDomains)
		assert.Equal(t, 5000.0, cfg.Approval.FinancialThreshold)
		assert.False(t, cfg.Inbox.Enabled, "unanswered settings keep their value")
	})

	t.Run("incomplete answers fail", func(t *testing.T) {
		path, _ := writeTestConfig(t)
		before, err := os.ReadFile(path)
		require.NoError(t, err)

		_, err = executeCommand(t, "", "--config", path, "configure")
		require.Error(t, err)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}
