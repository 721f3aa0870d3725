package actor

// Step applies a reducer to a single (state, input) pair and returns the next
// state and effects without executing them.
//
// Reducer tests use it to walk a state machine one input at a time.
func Step[S any](state S, input Input, reducer ReducerFunc[S]) (S, []Effect) {
	return reducer(state, input)
}

// Replay folds inputs through reducer starting at state and returns the final
// state along with every effect in emission order.
func Replay[S any](state S, reducer ReducerFunc[S], inputs ...Input) (S, []Effect) {
	var all []Effect
	for _, in := range inputs {
		var effects []Effect
		state, effects = reducer(state, in)
		all = append(all, effects...)
	}
	return state, all
}
