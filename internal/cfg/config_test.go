package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalCfg = `
organization = "xen-org"
approval_phrases = ["ship it", "merge( it)?"]
approver_teams = ["maintainers"]

[[repository]]
name = "xen"
component = "xen"

[[repository]]
name = "qemu"
component = "qemu"

[build]
workspace_dir = "/var/lib/automerger"
build_dir = "/var/lib/automerger/build"
manifest_url = "https://hg.example.com/manifest"
log_file = "/var/log/automerger/build.log"
root_component = "xen"
`

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(minimalCfg))
	require.NoError(t, err)

	assert.Equal(t, DefLogFormat, config.LogFormat)
	assert.Equal(t, DefBotLogin, config.BotLogin)
	assert.Equal(t, DefAddressToken, config.AddressToken)
	assert.Equal(t, time.Minute, config.ShortDelayDuration())
	assert.Equal(t, 15*time.Minute, config.LongDelayDuration())
	assert.Equal(t, 2*time.Hour, config.CycleTimeoutDuration())
	assert.Equal(t, uint(DefPrivilegesRefreshCycles), config.PrivilegesRefreshCycles)
	assert.Equal(t, DefCommands, config.Build.Commands)
	assert.Equal(t, DefIdentityEnv, config.Build.IdentityEnv)
	assert.Equal(t, DefPushURL, config.Build.PushURL)
	assert.False(t, config.Active)
	assert.False(t, config.Ticket.Enabled())

	require.Len(t, config.Repositories, 2)
	assert.Equal(t, "xen", config.Repositories[0].Name)
	assert.Equal(t, "qemu", config.Repositories[1].Name)
}

func TestLoadFailsOnInvalidDuration(t *testing.T) {
	_, err := Load(strings.NewReader("short_delay = \"1x\"\n" + minimalCfg))
	assert.ErrorContains(t, err, "short_delay")
}

func TestLoadFailsOnZeroCycleTimeout(t *testing.T) {
	_, err := Load(strings.NewReader("cycle_timeout = \"0s\"\n" + minimalCfg))
	assert.ErrorContains(t, err, "cycle_timeout")
}

func TestLoadFailsWithoutRepositories(t *testing.T) {
	_, err := Load(strings.NewReader(`organization = "org"`))
	assert.Error(t, err)
}

func TestLoadFailsOnDuplicateRepository(t *testing.T) {
	_, err := Load(strings.NewReader(minimalCfg + `
[[repository]]
name = "xen"
component = "xen2"
`))
	assert.ErrorContains(t, err, "multiple times")
}

func TestTicketRequiresUser(t *testing.T) {
	_, err := Load(strings.NewReader(minimalCfg + `
[ticket]
url = "https://jira.example.com"
`))
	assert.ErrorContains(t, err, "ticket.user")
}

func TestAllApprovalPhrasesReadsFile(t *testing.T) {
	phrasesFile := filepath.Join(t.TempDir(), "phrases")
	require.NoError(t, os.WriteFile(phrasesFile, []byte("# comment\nlgtm\n\n  go ahead  \n"), 0o600))

	config, err := Load(strings.NewReader(minimalCfg))
	require.NoError(t, err)
	config.ApprovalPhrasesFile = phrasesFile

	phrases, err := config.AllApprovalPhrases()
	require.NoError(t, err)
	assert.Equal(t, []string{"ship it", "merge( it)?", "lgtm", "go ahead"}, phrases)
}
