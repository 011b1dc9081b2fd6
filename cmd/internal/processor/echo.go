// Package processor provides batch processors for the batching service.
package processor

import (
	"context"
	"fmt"
	"strings"

	"batchd/cmd/internal/batching"
)

// Echo replies with the batch contents. It is the default processor for local
// runs and smoke tests.
type Echo struct{}

// Process joins the batch into one reply.
func (Echo) Process(_ context.Context, req batching.Request) (batching.Reply, error) {
	parts := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		parts = append(parts, it.Content)
	}
	noun := "messages"
	if len(parts) == 1 {
		noun = "message"
	}
	return batching.Reply{
		Content: fmt.Sprintf("received %d %s: %s", len(parts), noun, strings.Join(parts, " | ")),
	}, nil
}
