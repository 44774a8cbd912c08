// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config builds the immutable runtime configuration for the metering
// service.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONDUIT_CONFIG_FILE (with ${VAR} and ${VAR:-default} expansion), then
// individual environment variables. Secrets are resolved last through a
// SecretsManager, which is either the process environment or AWS Secrets
// Manager when SECRETS_BACKEND=aws.
//
// The resulting Config is passed by value into constructors and never
// mutated afterwards.
package config
