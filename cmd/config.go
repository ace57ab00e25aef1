package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "quorum"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage quorum configuration.

Running bare 'quorum config' is the same as 'quorum config show'.
Every key can also be set through a QUORUM_ environment variable, with
dots replaced by underscores (e.g. QUORUM_FIX_CONFIDENCE_THRESHOLD).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# quorum configuration
# See: quorum config show (for effective values and sources)

# State/data directory (default: ~/.config/quorum)
# state_dir: {{ .StateDir }}

# SQLite session history (default: ~/.config/quorum/quorum.db)
# db_path: {{ .DBPath }}

# Where session directories are created when --reports-dir is not given
reports_dir: "{{ .ReportsDir }}"

consensus:
  # fine-grained (per line, with tolerance) or file-level
  strategy: "{{ .Strategy }}"
  # Distinct analyzers that must agree. Consensus is disabled below this.
  min_agents: {{ .MinAgents }}
  # Max line distance for two reports to be the same issue
  line_tolerance: {{ .LineTolerance }}

fix:
  # Fixes below this confidence (0-100) are skipped, not applied
  confidence_threshold: {{ .Threshold }}
  # Files fixed in parallel. Fixes within one file are always sequential.
  concurrency: {{ .Concurrency }}

verify:
  # Syntax-check each fix and roll it back on failure
  enabled: {{ .VerifyEnabled }}
  timeout: "{{ .VerifyTimeout }}"

review:
  # Second reviewer for dual-review: heuristic or llm
  second_pass: "{{ .SecondPass }}"
  # Minimum analyzer confidence the strict reviewer accepts
  strict_floor: {{ .StrictFloor }}

anthropic:
  # Used when review.second_pass is llm (or set ANTHROPIC_API_KEY)
  api_key: "{{ .APIKey }}"
  model: "{{ .Model }}"

log:
  # debug, info, warn, error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"
`

type configTemplateData struct {
	StateDir      string
	DBPath        string
	ReportsDir    string
	Strategy      string
	MinAgents     int
	LineTolerance int
	Threshold     float64
	Concurrency   int
	VerifyEnabled bool
	VerifyTimeout string
	SecondPass    string
	StrictFloor   float64
	APIKey        string
	Model         string
	LogLevel      string
	LogFormat     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:      viper.GetString("state_dir"),
		DBPath:        viper.GetString("db_path"),
		ReportsDir:    viper.GetString("reports_dir"),
		Strategy:      viper.GetString("consensus.strategy"),
		MinAgents:     viper.GetInt("consensus.min_agents"),
		LineTolerance: viper.GetInt("consensus.line_tolerance"),
		Threshold:     viper.GetFloat64("fix.confidence_threshold"),
		Concurrency:   viper.GetInt("fix.concurrency"),
		VerifyEnabled: viper.GetBool("verify.enabled"),
		VerifyTimeout: viper.GetString("verify.timeout"),
		SecondPass:    viper.GetString("review.second_pass"),
		StrictFloor:   viper.GetFloat64("review.strict_floor"),
		APIKey:        viper.GetString("anthropic.api_key"),
		Model:         viper.GetString("anthropic.model"),
		LogLevel:      viper.GetString("log.level"),
		LogFormat:     viper.GetString("log.format"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "QUORUM_STATE_DIR"},
	{Key: "db_path", EnvVar: "QUORUM_DB_PATH"},
	{Key: "reports_dir", EnvVar: "QUORUM_REPORTS_DIR"},
	{Key: "consensus.strategy", EnvVar: "QUORUM_CONSENSUS_STRATEGY"},
	{Key: "consensus.min_agents", EnvVar: "QUORUM_CONSENSUS_MIN_AGENTS"},
	{Key: "consensus.line_tolerance", EnvVar: "QUORUM_CONSENSUS_LINE_TOLERANCE"},
	{Key: "fix.confidence_threshold", EnvVar: "QUORUM_FIX_CONFIDENCE_THRESHOLD"},
	{Key: "fix.concurrency", EnvVar: "QUORUM_FIX_CONCURRENCY"},
	{Key: "verify.enabled", EnvVar: "QUORUM_VERIFY_ENABLED"},
	{Key: "verify.timeout", EnvVar: "QUORUM_VERIFY_TIMEOUT"},
	{Key: "review.second_pass", EnvVar: "QUORUM_REVIEW_SECOND_PASS"},
	{Key: "review.strict_floor", EnvVar: "QUORUM_REVIEW_STRICT_FLOOR"},
	{Key: "anthropic.api_key", EnvVar: "QUORUM_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "QUORUM_ANTHROPIC_MODEL"},
	{Key: "log.level", EnvVar: "QUORUM_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "QUORUM_LOG_FORMAT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'quorum config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
