// Package notifications announces finished runs so operators know when review
// tables need attention.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Messages carry
// counts, statuses, and report paths only; subject names, MRNs, and birth
// dates never leave the host.
package notifications
