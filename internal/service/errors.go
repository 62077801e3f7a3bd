package service

import "errors"

var (
	ErrSameCollection     = errors.New("source and destination collections must differ")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrJobNotFound        = errors.New("job not found")
	// ErrDestinationGone is fatal for the whole job and never retried.
	ErrDestinationGone = errors.New("destination collection no longer exists")
	ErrPlanning        = errors.New("planning failed")
)
