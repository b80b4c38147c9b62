package edgeml

import "fmt"

// A ShapeError indicates that a vector did not have the
// length implied by a cell's configuration.
type ShapeError struct {
	// Op is the operation that detected the mismatch.
	Op string

	// Name identifies the offending vector.
	Name string

	Expected int
	Actual   int
}

func (s *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s has length %d (expected %d)", s.Op, s.Name, s.Actual,
		s.Expected)
}

// A ConfigError indicates an invalid cell configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (c *ConfigError) Error() string {
	return "invalid " + c.Field + ": " + c.Reason
}

// A RestoreError indicates that a set of parameters could
// not be bound to or assigned into a cell.
type RestoreError struct {
	Cell CellType

	// Name is the parameter at fault, or "" if the error
	// concerns the parameter list as a whole.
	Name string

	Expected int
	Actual   int
	Reason   string
}

func (r *RestoreError) Error() string {
	if r.Expected == 0 && r.Actual == 0 {
		return fmt.Sprintf("restore %s: %s: %s", r.Cell, r.Name, r.Reason)
	} else if r.Name == "" {
		return fmt.Sprintf("restore %s: %s (expected %d, got %d)", r.Cell, r.Reason,
			r.Expected, r.Actual)
	}
	return fmt.Sprintf("restore %s: %s: %s (expected %d, got %d)", r.Cell, r.Name,
		r.Reason, r.Expected, r.Actual)
}
