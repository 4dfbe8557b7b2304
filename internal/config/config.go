package config

type Config interface {
	EnvConfig
}

type EnvConfig interface {
	GetAuthURL() string
	GetAuthAnonKey() string
	GetFunctionsURL() string
	GetRedirectURL() string
	GetDataFolder() string
	GetAppName() string
	// RemoteConfigured reports whether a hosted identity provider is set
	// up. When false the app falls back to the local backend.
	RemoteConfigured() bool
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
