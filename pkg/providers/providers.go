// Package providers defines the AIClient contract the ProjectBuilder's
// prompt path depends on — a single Complete(prompt) → text call — and the
// vendor SDK implementations that satisfy it.
package providers

import "context"

// AIClient is the interface ProjectBuilder's PRDParser-adjacent prompt path
// depends on. Implementations talk to a concrete vendor API;
// callers never see vendor request/response shapes.
type AIClient interface {
	// Complete sends prompt to the model and returns its text completion.
	Complete(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider for logging.
	Name() string
}
