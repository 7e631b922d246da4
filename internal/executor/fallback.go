package executor

// FallbackChain maps a model name to the next, cheaper/more-available
// model to try once every account is exhausted for it, grounded on the
// teacher's pkg/resilience/fallback.go FallbackStrategy idea but trimmed
// to the single provider-chain shape the spec describes (lite -> flash ->
// pro), enforced with a visited guard so a misconfigured chain can never
// loop.
type FallbackChain map[string]string

// DefaultFallbackChain steps claude-3-opus -> claude-3-sonnet ->
// claude-3-haiku, each hop moving to a cheaper model.
func DefaultFallbackChain() FallbackChain {
	return FallbackChain{
		"claude-3-opus":   "claude-3-sonnet",
		"claude-3-sonnet": "claude-3-haiku",
	}
}

// Next returns the next model to try and whether one exists.
func (f FallbackChain) Next(model string) (string, bool) {
	next, ok := f[model]
	return next, ok
}

// resolveChain walks the fallback chain from model, stopping at the first
// repeat to guarantee termination regardless of how the chain is
// configured.
func resolveChain(chain FallbackChain, model string) []string {
	visited := map[string]bool{model: true}
	order := []string{model}

	current := model
	for {
		next, ok := chain.Next(current)
		if !ok || visited[next] {
			return order
		}
		visited[next] = true
		order = append(order, next)
		current = next
	}
}
