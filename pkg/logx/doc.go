// Package logx is taskd's structured logging on zerolog.
//
// Loggers are values carrying fixed fields. Those derived from a Service
// keep following it when Apply swaps the level or sinks on config reload.
package logx
