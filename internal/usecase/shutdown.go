package usecase

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ShutdownHandler turns the first stop signal into a context cancellation and the second
// into a hard exit.
type ShutdownHandler struct {
	cancel context.CancelFunc
	logger *zap.Logger
	Exit   func(code int)

	mu       sync.Mutex
	requests int
}

func NewShutdownHandler(cancel context.CancelFunc, logger *zap.Logger) *ShutdownHandler {
	return &ShutdownHandler{
		cancel: cancel,
		logger: logger,
		Exit:   os.Exit,
	}
}

// Signal handles one stop request.
func (h *ShutdownHandler) Signal(sig os.Signal) {
	h.mu.Lock()
	h.requests++
	n := h.requests
	h.mu.Unlock()

	if n > 1 {
		h.logger.Error("Force exit requested")
		h.Exit(1)
		return
	}
	h.logger.Warn("Graceful shutdown initiated. Press Ctrl+C again to force exit.", zap.Stringer("signal", sig))
	h.logger.Info("Waiting for current operations to complete...")
	h.cancel()
}

// Listen feeds signals from ch until it is closed.
func (h *ShutdownHandler) Listen(ch <-chan os.Signal) {
	for sig := range ch {
		h.Signal(sig)
	}
}
