// Package cleanup provides the LIFO cleanup stack that releases the
// resources a factory scope accumulates (server, database, pools).
package cleanup

import (
	"sync"

	"go.uber.org/zap"
)

// Func is a function called during cleanup. It returns an error if the
// cleanup step fails.
type Func func() error

// Manager manages the stack of cleanup functions.
type Manager struct {
	mu          sync.Mutex  // Protects access to funcs and err
	funcs       []Func      // Stack of cleanup functions (LIFO)
	err         error       // First error encountered during cleanup
	logger      *zap.Logger // Logger for reporting cleanup errors
	cleanupOnce sync.Once   // Ensures cleanup runs only once
}

// NewManager creates an empty cleanup manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		funcs:  make([]Func, 0),
		logger: logger,
	}
}

// Add pushes a function onto the cleanup stack. Nil functions are ignored.
func (cm *Manager) Add(f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.funcs = append(cm.funcs, f)
}

// Execute runs all registered cleanup functions in reverse order (LIFO).
// It runs only once and returns the first error encountered; later errors
// are logged but do not overwrite the first.
func (cm *Manager) Execute() error {
	cm.cleanupOnce.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.logger.Debug("Starting cleanup process...")
		for i := len(cm.funcs) - 1; i >= 0; i-- {
			f := cm.funcs[i]
			if f == nil {
				continue
			}
			if err := f(); err != nil {
				if cm.err == nil {
					cm.err = err
					cm.logger.Error("Cleanup error encountered", zap.Error(err))
				} else {
					cm.logger.Error("Additional cleanup error", zap.Error(err))
				}
			}
		}
		cm.logger.Debug("Cleanup process finished.")

		// Sync errors are expected on some platforms; zap recommends
		// ignoring them.
		_ = cm.logger.Sync()
	})
	return cm.err
}
