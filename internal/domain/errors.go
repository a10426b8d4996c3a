package domain

import "errors"

var (
	// ErrInfrastructure marks failures of the account-queue store. It is the only error
	// class allowed to abort the whole process.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrQueueEmpty is returned by ReportSink.GetAllPending when no accounts are left.
	ErrQueueEmpty = errors.New("no more accounts left")
)
