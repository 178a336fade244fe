// Package logx provides the process-wide structured logger.
//
// It wraps zerolog behind a small stable API (Logger + Field) so the rest of
// the codebase does not import zerolog directly, and supports runtime sink
// reconfiguration (console/file, level) via Service.Apply without invalidating
// loggers already handed out.
package logx
