// Package preflight provides readiness checks for the filesystem paths,
// build program and optional HTTP API that kiln daemons depend on.
//
// These checks run in two contexts:
//   - The CLI "kiln status" command shows them alongside live daemon state.
//   - "kiln config validate" runs RunAll after the config parses so a bad
//     build program or an overlong socket path is caught before any daemon
//     is launched.
package preflight
