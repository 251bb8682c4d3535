package entity

// StateSet describes one entity family's state enumeration: which codes
// exist, which are terminal, and which code carries fatal failures. The
// driver and store stay generic over it.
type StateSet struct {
	Family    string
	Initial   int
	ErrorCode int
	Terminal  []int
	Names     map[int]string
}

// IsTerminal reports whether a code is terminal for this family. Terminal
// records are never leased or re-polled.
func (s StateSet) IsTerminal(code int) bool {
	for _, t := range s.Terminal {
		if t == code {
			return true
		}
	}
	return false
}

// Name returns the display name of a state code, or "UNKNOWN".
func (s StateSet) Name(code int) string {
	if n, ok := s.Names[code]; ok {
		return n
	}
	return "UNKNOWN"
}
