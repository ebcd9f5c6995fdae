package admission

// NumToStart returns how many runs a scope may admit. A nil or negative
// concurrency falls back to maxBudget with no further cap; a nil maxBudget
// only enforces concurrency.
func NumToStart(concurrency *int, consumed int, maxBudget *int) int {
	if concurrency == nil || *concurrency < 0 {
		concurrency, maxBudget = maxBudget, nil
	}
	if concurrency == nil {
		return 0
	}
	if maxBudget == nil {
		return *concurrency - consumed
	}
	if *maxBudget <= 0 || *maxBudget <= consumed {
		return 0
	}
	return min(*concurrency-consumed, *maxBudget-consumed)
}
