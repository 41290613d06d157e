// Command kiln runs builds through long-lived kiln daemons and manages them.
//
// `kiln run -- <args>` reuses an idle daemon whose context matches the
// current configuration, launching one in the background when none is
// available. The remaining commands inspect and control those daemons.
package main
