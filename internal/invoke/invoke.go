// Package invoke reaches external autonomous agents. The engine treats
// invocation as its only externally-visible effect and assumes nothing
// about the transport behind an endpoint.
package invoke

import (
	"context"
	"fmt"
)

// Descriptor describes a resolvable agent endpoint.
type Descriptor struct {
	Ref      string `json:"ref"`
	Name     string `json:"name,omitempty"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	Pricing  string `json:"pricing,omitempty"` // quoted cost per call, decimal string
}

// Result is the outcome of a single agent invocation.
type Result struct {
	Response string `json:"response"`
	Cost     string `json:"cost"` // decimal string, may be empty
}

// Invoker sends one message to an agent and waits for its reply.
type Invoker interface {
	Invoke(ctx context.Context, agent *Descriptor, message, correlationID string) (*Result, error)
}

// Lookup resolves an agent reference to its descriptor.
type Lookup interface {
	Resolve(ref string) (*Descriptor, bool)
}

// ErrAgentNotFound is returned when a ref resolves to nothing.
var ErrAgentNotFound = fmt.Errorf("agent not found")
