//go:build darwin
// +build darwin

// Stub implementation so the agent builds on MacOS for development of the
// web/database layers. No hooks ever fire here.
package platform

import (
	"go.uber.org/zap"

	"netaudit/probes"
)

type BPF struct {
	log  *zap.Logger
	stop chan struct{}
}

func New(log *zap.Logger) (*BPF, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("BPF monitoring not available on MacOS, running in web-only mode")
	return &BPF{log: log, stop: make(chan struct{})}, nil
}

func (b *BPF) Plant(p *probes.InterceptionPoint) error { return nil }

func (b *BPF) Unplant(p *probes.InterceptionPoint) {}

// Run blocks until Close so main's wiring is identical on both platforms.
func (b *BPF) Run() { <-b.stop }

func (b *BPF) Close() error {
	close(b.stop)
	return nil
}
