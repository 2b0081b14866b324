package engine

// Tolerance absorbs rounding before the engine forces an end of stream.
const Tolerance int64 = 100

// ProgressUnknown is reported before the first progress value is computed.
const ProgressUnknown = -1.0

// totalUs blends what was actually read from finished steps with the
// declared duration of the current and upcoming ones.
func (s *stepSet) totalUs() int64 {
	var total int64
	for i, source := range s.sources {
		if i < s.current {
			total += source.ReadUs()
		} else {
			total += source.DurationUs()
		}
	}
	return total
}

func (s *stepSet) readUs() int64 {
	var read int64
	for i, source := range s.sources {
		if i <= s.current {
			read += source.ReadUs()
		}
	}
	return read
}

func (s *stepSet) fraction() float64 {
	read := s.readUs()
	total := s.totalUs()
	if total <= 0 {
		total = 1
	}
	return float64(read) / float64(total)
}

// forceEOS is true once more was read than the whole output should last.
func (s *stepSet) forceEOS() bool {
	return s.readUs() > s.totalUs()+Tolerance
}
