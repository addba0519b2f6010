// Package transport defines the engine's external boundary: where work
// templates come from and where accepted solutions go. The network side of
// both is out of scope; peers, pools or tests plug in through these
// interfaces.
package transport

import (
	"context"

	"github.com/annmine/engine/logging"
	"github.com/annmine/engine/shared"
)

// WorkSource supplies externally assembled work templates, one per epoch.
type WorkSource interface {
	Templates() <-chan shared.WorkTemplate
}

// SubmissionSink receives locally confirmed solutions for propagation.
type SubmissionSink interface {
	Submit(ctx context.Context, sol shared.Solution) error
}

// InMemory binds the engine to an in-process collaborator (pool shim or
// test harness) with buffered channels.
type InMemory struct {
	templates chan shared.WorkTemplate
	solutions chan shared.Solution
}

func NewInMemory() *InMemory {
	return &InMemory{
		templates: make(chan shared.WorkTemplate, 1),
		solutions: make(chan shared.Solution, 16),
	}
}

// Templates implements WorkSource.
func (m *InMemory) Templates() <-chan shared.WorkTemplate {
	return m.templates
}

// PublishTemplate hands a new work template to the engine. Called by the
// external collaborator.
func (m *InMemory) PublishTemplate(ctx context.Context, tmpl shared.WorkTemplate) error {
	select {
	case m.templates <- tmpl:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit implements SubmissionSink.
func (m *InMemory) Submit(ctx context.Context, sol shared.Solution) error {
	select {
	case m.solutions <- sol:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		logging.FromContext(ctx).Info("nobody listens for solutions - dropping")
		return nil
	}
}

// Solutions exposes confirmed solutions to the external collaborator.
func (m *InMemory) Solutions() <-chan shared.Solution {
	return m.solutions
}
