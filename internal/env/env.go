package env

import "os"

// IsLocalDev is true when DSGIT_ENVIRONMENT is "local". Logs are then written
// with the console encoder instead of JSON.
func IsLocalDev() bool {
	return os.Getenv("DSGIT_ENVIRONMENT") == "local"
}

func IsConcurrencyLockDisabled() bool {
	return os.Getenv("DSGIT_CONCURRENCY_LOCK_DISABLED") == "true"
}

// ConfigPath returns DSGIT_CONFIG, an explicit config file overriding ~/.dsgit/config.yaml.
func ConfigPath() string {
	return os.Getenv("DSGIT_CONFIG")
}
