package session

import "fmt"

// ActivePartID returns the part currently in focus.
func (s *Session) ActivePartID() int { return s.activePartID }

func (s *Session) activeIndex() int {
	for i, p := range s.parts {
		if p.ID == s.activePartID {
			return i
		}
	}
	return -1
}

// Next moves focus to the following part. No-op on the last part.
func (s *Session) Next() {
	if i := s.activeIndex(); i >= 0 && i+1 < len(s.parts) {
		s.activePartID = s.parts[i+1].ID
	}
}

// Previous moves focus to the preceding part. No-op on the first part.
func (s *Session) Previous() {
	if i := s.activeIndex(); i > 0 {
		s.activePartID = s.parts[i-1].ID
	}
}

// Select focuses partID directly.
func (s *Session) Select(partID int) error {
	for _, p := range s.parts {
		if p.ID == partID {
			s.activePartID = partID
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnknownPart, partID)
}

// PartForQuestion finds the part holding question number n.
func (s *Session) PartForQuestion(n int) (int, bool) {
	for _, p := range s.parts {
		if p.HasQuestion(n) {
			return p.ID, true
		}
	}
	return 0, false
}
