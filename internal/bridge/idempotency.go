package bridge

// shouldProcess applies the idempotency guard to a browser command. A
// command without a client message id bypasses the guard. A repeated id is
// dropped silently: no handler runs, no error surfaces. New ids are
// recorded in both the ordered list (for FIFO eviction) and the set (for
// O(1) lookup), and the session is persisted. Caller holds the session
// lock.
func (r *Registry) shouldProcess(s *Session, cmdType, clientMsgID string) bool {
	if clientMsgID == "" || !idempotencyGuarded[cmdType] {
		return true
	}
	if _, seen := s.processedClientMessageIDSet[clientMsgID]; seen {
		return false
	}

	s.processedClientMessageIDs = append(s.processedClientMessageIDs, clientMsgID)
	s.processedClientMessageIDSet[clientMsgID] = struct{}{}

	if excess := len(s.processedClientMessageIDs) - r.cfg.ProcessedIDCap; excess > 0 {
		for _, old := range s.processedClientMessageIDs[:excess] {
			delete(s.processedClientMessageIDSet, old)
		}
		s.processedClientMessageIDs = s.processedClientMessageIDs[excess:]
	}

	r.persist(s)
	return true
}
