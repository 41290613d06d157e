// Package config loads, normalizes, and validates Kiln configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// KILN_API_TOKEN and KILN_BUILD_PROGRAM. The Config type centralizes every
// knob the daemon and CLI need, so state directories, socket locations, and
// daemon timing are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
