package piv

import (
	"encoding/hex"
	"log/slog"
	"sync/atomic"
)

// apduTrace is the process-wide hex-tracing flag (spec.md section 9: "global
// mutable state... acceptable as a single atomic boolean... must not alter
// observable results"), modeled on the teacher's clog.Clog enable flag.
var apduTrace atomic.Bool

// SetAPDUTrace enables or disables hex logging of every transmitted and
// received APDU buffer, at debug level, via the logger set with WithLogger
// (slog.Default() unless overridden). It has no effect on command behavior.
func SetAPDUTrace(enabled bool) {
	apduTrace.Store(enabled)
}

func traceSend(logger *slog.Logger, raw []byte) {
	if !apduTrace.Load() {
		return
	}
	logger.Debug("apdu send", "bytes", hex.EncodeToString(raw))
}

func traceRecv(logger *slog.Logger, raw []byte) {
	if !apduTrace.Load() {
		return
	}
	logger.Debug("apdu recv", "bytes", hex.EncodeToString(raw))
}
