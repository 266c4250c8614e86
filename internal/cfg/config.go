// Package cfg loads the automerger configuration file.
package cfg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefLogFormat               = "logfmt"
	DefLogTimeKey              = "time_iso8601"
	DefLogLevel                = "info"
	DefShortDelay              = "1m"
	DefLongDelay               = "15m"
	DefCycleTimeout            = "2h"
	DefPrivilegesRefreshCycles = 30
	DefAddressToken            = "@xen-git"
	DefBotLogin                = "xen-git"
	DefIdentityEnv             = "GIT_USER"
	DefPushURL                 = "git@github.com:{{.Org}}/{{.Repository}}.git"
	DefBuildLogMaxSizeMB       = 100
	DefBuildLogMaxBackups      = 5
	DefTicketKeyPattern        = `^\s*([A-Z][A-Z0-9]+-[0-9]+)\b`
	DefCommitPattern           = `(?i)^\s*\[?(whitespace|indentation|indent)\b`
	DefResolvedStatus          = "Resolved"
	DefResolveTransitionQuery  = `.transitions[] | select(.to.name == $status) | .id`
)

var DefTrustedAuthorPermissions = []string{"admin"}

type Config struct {
	LogFormat      string `toml:"log_format"`
	LogTimeKey     string `toml:"log_time_key"`
	LogLevel       string `toml:"log_level"`
	HTTPListenAddr string `toml:"http_server_listen_addr"`

	GithubAPIToken string `toml:"github_api_token"`
	Organization   string `toml:"organization"`
	// BotLogin is the GitHub login the daemon authors its comments as.
	BotLogin string `toml:"bot_login"`
	// AddressToken is the literal prefix of approval directives.
	AddressToken string `toml:"address_token"`
	// Active enables mutating operations. When it is false, the daemon
	// only logs what it would have changed.
	Active bool `toml:"active"`

	ApprovalPhrases     []string `toml:"approval_phrases"`
	ApprovalPhrasesFile string   `toml:"approval_phrases_file"`

	ShortDelay              string `toml:"short_delay"`
	LongDelay               string `toml:"long_delay"`
	CycleTimeout            string `toml:"cycle_timeout"`
	PrivilegesRefreshCycles uint   `toml:"privileges_refresh_cycles"`

	TrustedAuthorPermissions []string `toml:"trusted_author_permissions"`
	TrustedAuthorTeams       []string `toml:"trusted_author_teams"`
	ApproverTeams            []string `toml:"approver_teams"`

	Repositories []*Repository `toml:"repository"`
	Build        Build         `toml:"build"`
	Verify       Verify        `toml:"verify"`
	Ticket       Ticket        `toml:"ticket"`
}

type Repository struct {
	Name      string `toml:"name"`
	Component string `toml:"component"`
}

type Build struct {
	WorkspaceDir  string `toml:"workspace_dir"`
	BuildDir      string `toml:"build_dir"`
	ManifestURL   string `toml:"manifest_url"`
	RootComponent string `toml:"root_component"`
	IdentityEnv   string `toml:"identity_env"`
	PushURL       string `toml:"push_url"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`

	Commands Commands `toml:"commands"`
}

// Commands are text/template strings of the external build steps.
// Empty values are replaced by the defaults.
type Commands struct {
	Clean          string `toml:"clean"`
	CloneManifest  string `toml:"clone_manifest"`
	UpdateManifest string `toml:"update_manifest"`
	CloneComponent string `toml:"clone_component"`
	Checkout       string `toml:"checkout"`
	FetchChange    string `toml:"fetch_change"`
	MergeChange    string `toml:"merge_change"`
	BuildComponent string `toml:"build_component"`
	Push           string `toml:"push"`
}

var DefCommands = Commands{
	Clean:          "rm -rf {{.BuildDir}}",
	CloneManifest:  "hg clone {{.ManifestURL}} {{.BuildDir}}",
	UpdateManifest: "make manifest-latest",
	CloneComponent: "make {{.Component}}-myclone",
	Checkout:       "git checkout {{.Branch}}",
	FetchChange:    "git fetch {{.ForkURL}} {{.HeadBranch}}",
	MergeChange:    "git merge --no-ff --no-edit {{.HeadSHA}}",
	BuildComponent: "make {{.Component}}-build",
	Push:           "git push {{.PushURL}} HEAD:refs/heads/{{.Branch}}",
}

type Verify struct {
	Enabled        bool             `toml:"enabled"`
	CommitPattern  string           `toml:"commit_pattern"`
	Fingerprinters []*Fingerprinter `toml:"fingerprinter"`
}

// Fingerprinter is an external command that normalizes source files with
// one of the listed extensions. It reads the file content from stdin and
// writes the normalized form to stdout.
type Fingerprinter struct {
	Extensions []string `toml:"extensions"`
	Command    string   `toml:"command"`
}

type Ticket struct {
	URL                    string `toml:"url"`
	User                   string `toml:"user"`
	Password               string `toml:"password"`
	KeyPattern             string `toml:"key_pattern"`
	ResolvedStatus         string `toml:"resolved_status"`
	ResolveTransitionQuery string `toml:"resolve_transition_query"`
}

// Enabled returns true if a ticket system is configured.
func (t *Ticket) Enabled() bool {
	return t.URL != ""
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func (r *Config) setDefaults() {
	setDefault(&r.LogFormat, DefLogFormat)
	setDefault(&r.LogTimeKey, DefLogTimeKey)
	setDefault(&r.LogLevel, DefLogLevel)
	setDefault(&r.BotLogin, DefBotLogin)
	setDefault(&r.AddressToken, DefAddressToken)
	setDefault(&r.ShortDelay, DefShortDelay)
	setDefault(&r.LongDelay, DefLongDelay)
	setDefault(&r.CycleTimeout, DefCycleTimeout)
	setDefault(&r.PrivilegesRefreshCycles, DefPrivilegesRefreshCycles)

	if len(r.TrustedAuthorPermissions) == 0 {
		r.TrustedAuthorPermissions = DefTrustedAuthorPermissions
	}

	setDefault(&r.Build.IdentityEnv, DefIdentityEnv)
	setDefault(&r.Build.PushURL, DefPushURL)
	setDefault(&r.Build.LogMaxSizeMB, DefBuildLogMaxSizeMB)
	setDefault(&r.Build.LogMaxBackups, DefBuildLogMaxBackups)

	cmds := &r.Build.Commands
	setDefault(&cmds.Clean, DefCommands.Clean)
	setDefault(&cmds.CloneManifest, DefCommands.CloneManifest)
	setDefault(&cmds.UpdateManifest, DefCommands.UpdateManifest)
	setDefault(&cmds.CloneComponent, DefCommands.CloneComponent)
	setDefault(&cmds.Checkout, DefCommands.Checkout)
	setDefault(&cmds.FetchChange, DefCommands.FetchChange)
	setDefault(&cmds.MergeChange, DefCommands.MergeChange)
	setDefault(&cmds.BuildComponent, DefCommands.BuildComponent)
	setDefault(&cmds.Push, DefCommands.Push)

	setDefault(&r.Verify.CommitPattern, DefCommitPattern)

	setDefault(&r.Ticket.KeyPattern, DefTicketKeyPattern)
	setDefault(&r.Ticket.ResolvedStatus, DefResolvedStatus)
	setDefault(&r.Ticket.ResolveTransitionQuery, DefResolveTransitionQuery)
}

func (r *Config) validate() error {
	if r.Organization == "" {
		return errors.New("organization must be set")
	}

	if len(r.Repositories) == 0 {
		return errors.New("no repository is configured")
	}

	seen := make(map[string]struct{}, len(r.Repositories))
	for i, repo := range r.Repositories {
		if repo.Name == "" {
			return fmt.Errorf("repository entry %d: name is empty", i+1)
		}

		if repo.Component == "" {
			return fmt.Errorf("repository %q: component is empty", repo.Name)
		}

		if _, exists := seen[repo.Name]; exists {
			return fmt.Errorf("repository %q is defined multiple times", repo.Name)
		}
		seen[repo.Name] = struct{}{}
	}

	if r.Build.WorkspaceDir == "" {
		return errors.New("build.workspace_dir must be set")
	}

	if r.Build.BuildDir == "" {
		return errors.New("build.build_dir must be set")
	}

	if r.Build.ManifestURL == "" {
		return errors.New("build.manifest_url must be set")
	}

	if r.Build.LogFile == "" {
		return errors.New("build.log_file must be set")
	}

	if len(r.ApprovalPhrases) == 0 && r.ApprovalPhrasesFile == "" {
		return errors.New("approval_phrases or approval_phrases_file must be set")
	}

	if len(r.ApproverTeams) == 0 {
		return errors.New("approver_teams must be set")
	}

	for key, val := range map[string]string{
		"short_delay":   r.ShortDelay,
		"long_delay":    r.LongDelay,
		"cycle_timeout": r.CycleTimeout,
	} {
		if _, err := parseDuration(key, val); err != nil {
			return err
		}
	}

	if d, _ := parseDuration("cycle_timeout", r.CycleTimeout); d == 0 {
		return errors.New("cycle_timeout: must be greater than zero")
	}

	if r.Ticket.Enabled() && r.Ticket.User == "" {
		return errors.New("ticket.user must be set when ticket.url is set")
	}

	for i, fp := range r.Verify.Fingerprinters {
		if fp.Command == "" {
			return fmt.Errorf("verify.fingerprinter entry %d: command is empty", i+1)
		}

		if len(fp.Extensions) == 0 {
			return fmt.Errorf("verify.fingerprinter entry %d: extensions is empty", i+1)
		}
	}

	return nil
}

func parseDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("%s: duration is negative", key)
	}

	return d, nil
}

// mustDuration parses a duration that was checked by validate().
func mustDuration(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		panic(fmt.Sprintf("parsing validated duration %q failed: %s", val, err))
	}

	return d
}

func (r *Config) ShortDelayDuration() time.Duration {
	return mustDuration(r.ShortDelay)
}

func (r *Config) LongDelayDuration() time.Duration {
	return mustDuration(r.LongDelay)
}

func (r *Config) CycleTimeoutDuration() time.Duration {
	return mustDuration(r.CycleTimeout)
}

// AllApprovalPhrases returns the inline configured approval phrases and the
// ones from ApprovalPhrasesFile.
func (r *Config) AllApprovalPhrases() ([]string, error) {
	result := append([]string{}, r.ApprovalPhrases...)

	if r.ApprovalPhrasesFile == "" {
		return result, nil
	}

	f, err := os.Open(r.ApprovalPhrasesFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	phrases, err := ParsePhrases(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s failed: %w", r.ApprovalPhrasesFile, err)
	}

	return append(result, phrases...), nil
}

// ParsePhrases reads one phrase per line. Empty lines and lines starting with
// # are ignored.
func ParsePhrases(reader io.Reader) ([]string, error) {
	var result []string

	sc := bufio.NewScanner(reader)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		result = append(result, line)
	}

	return result, sc.Err()
}
