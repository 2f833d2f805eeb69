package dispatcher

import (
	"context"
	"log/slog"

	"github.com/loykin/timewarden/internal/metrics"
	"github.com/loykin/timewarden/internal/registry"
	"github.com/loykin/timewarden/internal/timerow"
)

// Executor hands a claimed timer's callable to its user-supplied action.
// Dispatch must run asynchronously and never block the worker goroutine; it
// must catch every fault internally and report it through the configured
// sink, per spec section 4.4 step 2.
type Executor interface {
	Dispatch(row timerow.Row)
}

// RegistryExecutor resolves the callable through a registry.Registry and
// runs it on its own goroutine, isolating panics and errors as an
// ExecutorFault that never reaches the dispatcher.
type RegistryExecutor struct {
	reg *registry.Registry
	log *slog.Logger
}

func NewRegistryExecutor(reg *registry.Registry, log *slog.Logger) *RegistryExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &RegistryExecutor{reg: reg, log: log}
}

func (e *RegistryExecutor) Dispatch(row timerow.Row) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				metrics.IncExecutorFault(row.CallableModule, row.CallableFunction)
				e.log.Error("executor fault: handler panicked",
					"timer_id", row.ID, "module", row.CallableModule, "function", row.CallableFunction, "panic", p)
			}
		}()

		handler, err := e.reg.Lookup(row.CallableModule, row.CallableFunction)
		if err != nil {
			metrics.IncExecutorFault(row.CallableModule, row.CallableFunction)
			e.log.Error("executor fault: handler not found",
				"timer_id", row.ID, "module", row.CallableModule, "function", row.CallableFunction, "error", err)
			return
		}
		metrics.IncFired(row.CallableModule, row.CallableFunction)
		if err := handler(context.Background(), row.Arguments); err != nil {
			metrics.IncExecutorFault(row.CallableModule, row.CallableFunction)
			e.log.Error("executor fault",
				"timer_id", row.ID, "module", row.CallableModule, "function", row.CallableFunction, "error", err)
		}
	}()
}
