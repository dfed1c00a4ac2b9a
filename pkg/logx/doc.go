// Package logx configures notifyhub's structured logging.
//
// logx.Logger is a small value-type wrapper over zerolog:
//   - console output is readable (short timestamp, short caller) or raw JSON
//   - file output is JSON-structured
//   - Service.Apply swaps sinks and level on config reload
package logx
