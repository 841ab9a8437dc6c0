package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	vCfg   = viper.New()
	cfgDir string
)

const (
	envPrefix = "DSGIT"

	serverAddressKey        = "server.address"
	serverRequestTimeoutKey = "server.request_timeout"
	serverSecretKey         = "server.secret"
	storePathKey            = "store.path"
	workspaceDirKey         = "workspace.dir"
	gitBotNameKey           = "git.bot_name"
	gitBotEmailKey          = "git.bot_email"
	gitDefaultBranchKey     = "git.default_branch"
	gitSSHKeyPathKey        = "git.ssh_key_path"
	githubTokenKey          = "providers.github.token"
	githubWebhookSecretKey  = "providers.github.webhook_secret"
	gitlabTokenKey          = "providers.gitlab.token"
	gitlabWebhookSecretKey  = "providers.gitlab.webhook_secret"
	allowUnsignedKey        = "providers.allow_unsigned_webhooks"
	logLevelKey             = "log.level"
	logFormatKey            = "log.format"
)

// Load reads the config file and environment. configFile overrides the default
// ~/.dsgit/config.yaml location; a missing default file is not an error.
func Load(configFile string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	cfgDir = filepath.Join(home, ".dsgit")

	setDefaults(cfgDir)

	vCfg.SetEnvPrefix(envPrefix)
	vCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vCfg.AutomaticEnv()

	if configFile != "" {
		vCfg.SetConfigFile(configFile)
	} else {
		vCfg.SetConfigName("config")
		vCfg.SetConfigType("yaml")
		vCfg.AddConfigPath(cfgDir)
	}

	if err := vCfg.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return nil
}

func setDefaults(dir string) {
	vCfg.SetDefault(serverAddressKey, ":3100")
	vCfg.SetDefault(serverRequestTimeoutKey, 2*time.Minute)
	vCfg.SetDefault(storePathKey, filepath.Join(dir, "dsgit.db"))
	vCfg.SetDefault(workspaceDirKey, filepath.Join(dir, "workspace"))
	vCfg.SetDefault(gitBotNameKey, "dsgit bot")
	vCfg.SetDefault(gitBotEmailKey, "bot@dsgit.local")
	vCfg.SetDefault(gitDefaultBranchKey, "main")
	vCfg.SetDefault(logLevelKey, "info")
	vCfg.SetDefault(logFormatKey, "auto")
}

func GetServerAddress() string {
	return vCfg.GetString(serverAddressKey)
}

func GetRequestTimeout() time.Duration {
	return vCfg.GetDuration(serverRequestTimeoutKey)
}

// GetServerSecret is the optional shared secret checked against the X-Secret-Key header.
func GetServerSecret() string {
	return vCfg.GetString(serverSecretKey)
}

func GetStorePath() string {
	return vCfg.GetString(storePathKey)
}

func GetWorkspaceDir() string {
	return vCfg.GetString(workspaceDirKey)
}

func GetBotIdentity() (name, email string) {
	return vCfg.GetString(gitBotNameKey), vCfg.GetString(gitBotEmailKey)
}

func GetDefaultBranch() string {
	return vCfg.GetString(gitDefaultBranchKey)
}

func GetSSHKeyPath() string {
	return vCfg.GetString(gitSSHKeyPathKey)
}

func GetGitHubToken() string {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	return vCfg.GetString(githubTokenKey)
}

func GetGitHubWebhookSecret() string {
	return vCfg.GetString(githubWebhookSecretKey)
}

func GetGitLabToken() string {
	if token := os.Getenv("GITLAB_TOKEN"); token != "" {
		return token
	}
	return vCfg.GetString(gitlabTokenKey)
}

func GetGitLabWebhookSecret() string {
	return vCfg.GetString(gitlabWebhookSecretKey)
}

// GetAllowUnsignedWebhooks accepts webhook deliveries of providers without a
// configured secret.
func GetAllowUnsignedWebhooks() bool {
	return vCfg.GetBool(allowUnsignedKey)
}

func GetLogLevel() string {
	return vCfg.GetString(logLevelKey)
}

// GetLogFormat is json, console or auto (console on a terminal).
func GetLogFormat() string {
	return vCfg.GetString(logFormatKey)
}

// Set overrides a value for the lifetime of the process, used by command line flags.
func Set(key string, value any) {
	vCfg.Set(key, value)
}

func Dir() string {
	return cfgDir
}
