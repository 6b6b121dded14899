// Package logx is a small wrapper on top of zerolog that keeps console
// output readable (short timestamp + short caller), file output
// JSON-structured, and lets the app swap sinks/levels on config reload
// without replacing logger handles already given out to components.
package logx
