package safe

import (
	"PPresence/logger"
	"PPresence/tools/errs"

	"go.uber.org/zap"
)

// Go starts f on a new goroutine; a panic is logged under name instead of
// crashing the process.
func Go(name string, f func()) {
	go Run(name, f)
}

// Run calls f and recovers a panic, returning it as an error.
func Run(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Error("[safe] panic recovered", zap.String("task", name), zap.Error(err))
		}
	}()
	f()
	return nil
}
