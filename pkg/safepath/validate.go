package safepath

// ValidateEntries checks every item's path for read safety and partitions
// the input into safe items and invalid operations. pathOf extracts the
// candidate path from an item (an archive entry, a planned write, ...) and
// makeErrorOp lets each caller construct its own package-specific error
// type for rejected items.
func ValidateEntries[T any, E any](
	v *Validator,
	items []T,
	pathOf func(T) string,
	makeErrorOp func(item T, err error) E,
) (safe []T, invalid []E) {
	safe = make([]T, 0, len(items))
	invalid = make([]E, 0)

	for _, item := range items {
		if err := v.ValidatePathForRead(pathOf(item)); err != nil {
			invalid = append(invalid, makeErrorOp(item, err))
			continue
		}

		safe = append(safe, item)
	}

	return safe, invalid
}
