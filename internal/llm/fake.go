package llm

import (
	"context"
	"sync"
)

// Fake is a scripted Client for tests and offline runs.
type Fake struct {
	mu       sync.Mutex
	Reply    string
	Err      error
	requests []*CompletionRequest
}

// NewFake returns a Fake that always answers with reply.
func NewFake(reply string) *Fake {
	return &Fake{Reply: reply}
}

// Name returns the provider name.
func (f *Fake) Name() string {
	return "fake"
}

// Models returns available models.
func (f *Fake) Models() []string {
	return []string{"fake"}
}

// Complete records the request and returns the scripted reply or error.
func (f *Fake) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply, err := f.Reply, f.Err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &CompletionResponse{
		Content: reply,
		Model:   req.Model,
	}, nil
}

// Calls returns how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// LastRequest returns the most recent request, or nil.
func (f *Fake) LastRequest() *CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}
