package catalog

import "fmt"

// TargetNotFoundError reports that no master star lies within the matching
// tolerance of the requested target coordinate. Fatal: no light curve can be
// built without a target.
type TargetNotFoundError struct {
	RA        float64
	Dec       float64
	Nearest   float64 // separation to the closest catalog star
	Tolerance float64
}

func (e *TargetNotFoundError) Error() string {
	return fmt.Sprintf("target (%.6f, %.6f) not matched: nearest star %.2f away, tolerance %.2f",
		e.RA, e.Dec, e.Nearest, e.Tolerance)
}

// InsufficientComparisonStarsError reports that fewer comparison stars than
// the configured minimum survived sigma clipping. Recoverable: the caller may
// continue with the degraded full-candidate ensemble.
type InsufficientComparisonStarsError struct {
	Survived int
	Minimum  int
}

func (e *InsufficientComparisonStarsError) Error() string {
	return fmt.Sprintf("only %d comparison stars survived clipping, minimum is %d", e.Survived, e.Minimum)
}

// InsufficientCoverageError reports that too few usable frames remain to
// produce a meaningful light curve. Fatal to the calculation stage.
type InsufficientCoverageError struct {
	Usable  int
	Minimum int
}

func (e *InsufficientCoverageError) Error() string {
	return fmt.Sprintf("only %d usable frames, minimum is %d", e.Usable, e.Minimum)
}
