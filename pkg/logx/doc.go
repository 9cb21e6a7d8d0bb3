// Package logx is userscriptd's structured logging: a small value-type
// Logger over zerolog whose sinks (stdout as console text or JSON, plus an
// optional append-only file) are swapped in place on config reload.
package logx
