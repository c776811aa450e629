package capture

// CompletionIncrement is the progress counter increment every request makes
// when it finishes, on top of any subframe increments.
const CompletionIncrement = 1

// ProgressIncrements returns how many times the engine will increment the
// channel's progress counter while executing d.
func ProgressIncrements(d Descriptor) (uint32, error) {
	if d.Flags()&FlagSubframeProgress == 0 {
		return CompletionIncrement, nil
	}
	_, height, sub := d.Geometry()
	if sub == 0 || height == 0 || sub > height {
		return 0, fail(ErrInvalidDescriptor, "progress.estimate", nil, "subframe height %d for frame height %d", sub, height)
	}
	n, err := addCount(ceilDiv(uint32(height), uint32(sub)), CompletionIncrement)
	if err != nil {
		return 0, fail(ErrInvalidDescriptor, "progress.estimate", err, "")
	}
	return n, nil
}
