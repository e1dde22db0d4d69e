// Package agent provides a minimal lifecycle.Processor for standing the
// gateway up without a configured downstream agent backend.
package agent

import (
	"context"
	"fmt"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/lifecycle"
)

// EchoProcessor completes a task by reflecting its triggering message back
// as a single text artifact. It never asks for input or auth and never
// fails; it exists so the gateway has somewhere to route a task when no
// real agent backend is wired in front of it.
type EchoProcessor struct{}

func (EchoProcessor) Process(ctx context.Context, task *a2a.Task) (lifecycle.Result, error) {
	var text string
	if len(task.History) > 0 {
		msg := task.History[len(task.History)-1]
		for _, p := range msg.Parts {
			if p.Kind == a2a.PartKindText {
				text += p.Text
			}
		}
	}

	return lifecycle.Result{
		Message: &a2a.Message{
			Role:  a2a.RoleAgent,
			Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: fmt.Sprintf("echo: %s", text)}},
		},
		Artifacts: []a2a.Artifact{{
			ArtifactID: task.ID + "-echo",
			Name:       "echo",
			Parts:      []a2a.Part{{Kind: a2a.PartKindText, Text: text}},
		}},
	}, nil
}
