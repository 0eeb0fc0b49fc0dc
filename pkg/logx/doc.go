// Package logx is the structured logging layer.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller), file output JSON-structured and an
// optional Telegram sink for warnings (min level plus rate limit).
package logx
