package transform

import "github.com/pkg/errors"

var (
	// ErrNotEnoughPoints is returned when a solver gets fewer correspondences than it needs.
	ErrNotEnoughPoints = errors.New("not enough point correspondences")
	// ErrDegenerateGeometry is returned when a decomposition fails or yields non finite values.
	ErrDegenerateGeometry = errors.New("degenerate two view geometry")
	// ErrCheiralityFailed is returned when no pose hypothesis places enough points in front of both cameras.
	ErrCheiralityFailed = errors.New("no pose hypothesis passes the cheirality check")
)
