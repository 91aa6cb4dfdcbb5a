package belief

// SelectNextTest picks the unasked test that maximizes
// belief[cause] x discriminative among edges of the TopK causes. The first
// edge in knowledge base order wins an exact tie. ok is false when every
// test touching the top causes has been asked.
func (e *Engine) SelectNextTest(b Beliefs, asked []string) (testID string, ok bool) {
	k := e.params.TopK
	if k <= 0 {
		k = 3
	}

	top := make(map[string]float64, k)
	for _, x := range b.TopN(k) {
		top[x.Cause] = x.Score
	}

	done := make(map[string]bool, len(asked))
	for _, id := range asked {
		done[id] = true
	}

	best := -1.0
	for _, edge := range e.kb.Edges().CauseToTest {
		score, candidate := top[edge.Cause]
		if !candidate || done[edge.Test] {
			continue
		}
		if v := score * edge.Discriminative; v > best {
			best, testID, ok = v, edge.Test, true
		}
	}
	return testID, ok
}
