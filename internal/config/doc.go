// Package config loads, normalizes, and validates imagedeid configuration data.
//
// It supplies repository defaults (including the body-region keyword table,
// PHI-risk phrases, and sidecar fields to strip), expands user paths, reads
// TOML files, and honours environment fallbacks such as ORTHANC_HOST and
// SUBJECT_ID_MAPPING_PATH. Operators adjust these tables in the config file
// rather than rebuilding the binary.
//
// Always obtain settings through this package so downstream code receives
// expanded paths and clear validation errors.
package config
