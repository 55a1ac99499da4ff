// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Broker credentials are usually kept in a .env file next to the config and
// loaded with LoadDotEnv before the YAML is read.
package config
