package pool

import "github.com/taskgrid/taskgrid/internal/domain"

// ResourceProbe samples a worker's resource usage. The default estimator
// derives a figure from completed work; a real deployment can inject an
// OS-level probe instead.
type ResourceProbe interface {
	Sample(workerID string) (domain.Usage, error)
}

// estimateProbe approximates memory cost from task throughput. Each completed
// task is assumed to retain a small residue until the worker is restarted.
type estimateProbe struct {
	perTaskBytes int64
	counts       func(workerID string) int64
}

func (p *estimateProbe) Sample(workerID string) (domain.Usage, error) {
	n := p.counts(workerID)
	return domain.Usage{MemoryBytes: n * p.perTaskBytes}, nil
}
