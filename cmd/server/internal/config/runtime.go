package config

import "sync"

// Runtime holds the configuration values that /config POST may change while
// the server runs. Reads vastly outnumber writes, hence the RWMutex.
type Runtime struct {
	mu        sync.RWMutex
	threshold float64
	inclusive bool
	modelID   string
	device    string
}

// NewRuntime seeds the mutable settings from the loaded configuration.
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{
		threshold: cfg.Verify.Threshold,
		inclusive: cfg.Verify.InclusiveThreshold,
		modelID:   cfg.Model.ModelID,
		device:    cfg.Model.Device,
	}
}

// Threshold returns the current decision threshold.
func (r *Runtime) Threshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

// SetThreshold updates the decision threshold.
func (r *Runtime) SetThreshold(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = v
}

// InclusiveThreshold reports whether the decision operator is >= instead of
// the default strict >.
func (r *Runtime) InclusiveThreshold() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inclusive
}

// ModelID returns the active model identifier.
func (r *Runtime) ModelID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modelID
}

// SetModelID records a new model identifier. The caller is responsible for
// triggering the model reload.
func (r *Runtime) SetModelID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelID = id
}

// Device returns the configured inference device.
func (r *Runtime) Device() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.device
}
