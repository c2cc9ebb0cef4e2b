package maxsize

// Policy caps a lifespan at Budget bytes. A zero or negative budget means
// unlimited.
type Policy struct {
	Budget int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if m.Budget > 0 && currentSize > m.Budget {
		return currentSize - m.Budget, nil
	}
	return 0, nil
}
