package config

import "os"

const (
	authURLVar      = "WWW_AUTH_URL"
	authAnonKeyVar  = "WWW_AUTH_ANON_KEY"
	functionsURLVar = "WWW_AUTH_FUNCTIONS_URL"
	redirectURLVar  = "WWW_AUTH_REDIRECT_URL"
	dataFolderVar   = "WWW_DATA_FOLDER"
	appNameVar      = "WWW_APP_NAME"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAuthURL() string {
	return GetEnv(authURLVar, "")
}

func (EnvVars) GetAuthAnonKey() string {
	return GetEnv(authAnonKeyVar, "")
}

// GetFunctionsURL returns the base URL for provider edge functions such as
// account deletion. Defaults to the auth URL host when unset.
func (e EnvVars) GetFunctionsURL() string {
	return GetEnv(functionsURLVar, e.GetAuthURL())
}

func (EnvVars) GetRedirectURL() string {
	return GetEnv(redirectURLVar, "whatwewatch://auth/callback")
}

func (EnvVars) GetDataFolder() string {
	return GetEnv(dataFolderVar, "./data")
}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "WhatWeWatch")
}

func (e EnvVars) RemoteConfigured() bool {
	return e.GetAuthURL() != "" && e.GetAuthAnonKey() != ""
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
