// Package logx configures mailgate's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime when the config file changes
//
// Every component logs through Logger.Component, so entries carry exactly
// one comp key. Service.Redact masks the relay password in all sinks, and
// the Mailbox field masks inquirer addresses.
package logx
