// Package config loads the swap agent daemon configuration from a JSON file
// and fills in defaults for every section. Secrets are referenced by the
// name of the environment variable that holds them and are resolved only by
// the daemon entrypoint.
package config
