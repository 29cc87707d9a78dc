package conversation

// Sanitize enforces the tool-call pairing rules providers require: every
// tool call in an assistant message must receive a matching result before
// the next role boundary, and every tool result must answer a call that is
// currently expected.
//
// The walk keeps the set of call ids the most recent assistant message still
// expects results for. An assistant message whose calls are not all answered
// before the next boundary is dropped entirely, together with the partial
// results that did answer it. A result item whose id is not expected is
// orphaned and filtered out of its message; a message left with no result
// items is dropped. Two back-to-back assistant messages with
// overlapping call ids and no intervening boundary are both dropped; the
// overlap makes result attribution ambiguous.
//
// Sanitize is idempotent: applying it to its own output changes nothing.
func Sanitize(messages []TaggedMessage) []TaggedMessage {
	out := make([]TaggedMessage, 0, len(messages))

	// Indices into out of the assistant message currently awaiting results
	// and the results received for it so far.
	pendingAssistant := -1
	var pendingResults []int
	expected := make(map[string]bool)

	dropPending := func() {
		if pendingAssistant < 0 {
			return
		}
		drop := make(map[int]bool, 1+len(pendingResults))
		drop[pendingAssistant] = true
		for _, idx := range pendingResults {
			drop[idx] = true
		}
		kept := out[:0]
		for i, msg := range out {
			if !drop[i] {
				kept = append(kept, msg)
			}
		}
		out = kept
		pendingAssistant = -1
		pendingResults = nil
		expected = make(map[string]bool)
	}

	settlePending := func() {
		if pendingAssistant >= 0 && len(expected) > 0 {
			dropPending()
			return
		}
		pendingAssistant = -1
		pendingResults = nil
		expected = make(map[string]bool)
	}

	for _, msg := range messages {
		calls := msg.ToolCalls()
		results := msg.ToolResults()

		switch {
		case len(calls) > 0:
			// A new assistant message with calls. If the previous one is
			// still unanswered, and call ids overlap, the conservative
			// policy drops both.
			if pendingAssistant >= 0 && len(expected) > 0 {
				overlap := false
				for _, call := range calls {
					if expected[call.CallID] {
						overlap = true
						break
					}
				}
				dropPending()
				if overlap {
					continue
				}
			}
			out = append(out, msg)
			pendingAssistant = len(out) - 1
			pendingResults = nil
			expected = make(map[string]bool, len(calls))
			for _, call := range calls {
				expected[call.CallID] = true
			}

		case len(results) > 0:
			if pendingAssistant < 0 {
				continue // orphaned result, nothing expects it
			}
			// Filter result items individually: an unexpected id is orphaned
			// even when a sibling item in the same message does match.
			kept := make([]Item, 0, len(msg.Items))
			matched := false
			for _, item := range msg.Items {
				if item.Kind == ItemToolResult {
					if !expected[item.CallID] {
						continue
					}
					matched = true
					delete(expected, item.CallID)
				}
				kept = append(kept, item)
			}
			if !matched {
				continue // orphaned result for an id never requested
			}
			msg.Items = kept
			out = append(out, msg)
			pendingResults = append(pendingResults, len(out)-1)
			if len(expected) == 0 {
				pendingAssistant = -1
				pendingResults = nil
			}

		case msg.IsRoleBoundary():
			settlePending()
			out = append(out, msg)

		default:
			out = append(out, msg)
		}
	}

	// End of log counts as a boundary: an unanswered assistant message is
	// incomplete and gets dropped.
	settlePending()

	return out
}
