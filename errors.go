package muster

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("muster: no store configured")
	ErrStoreClosed     = errors.New("muster: store closed")
	ErrMigrationFailed = errors.New("muster: migration failed")

	// Not found errors.
	ErrJobNotFound        = errors.New("muster: job not found")
	ErrExecutionNotFound  = errors.New("muster: execution not found")
	ErrInstanceNotFound   = errors.New("muster: scheduler instance not found")
	ErrDeploymentNotFound = errors.New("muster: deployment not found")
	ErrDeviceNotFound     = errors.New("muster: device not found")

	// Conflict errors.
	ErrJobAlreadyExists    = errors.New("muster: job already exists")
	ErrDeviceAlreadyExists = errors.New("muster: device already exists")

	// Handler registry errors.
	ErrHandlerNotFound          = errors.New("muster: handler not registered")
	ErrHandlerAlreadyRegistered = errors.New("muster: handler already registered")
	ErrHandlerKindMismatch      = errors.New("muster: handler kind mismatch")
	ErrReservedParam            = errors.New("muster: reserved parameter name")
	ErrUnknownArg               = errors.New("muster: argument not declared by handler")

	// Schedule errors.
	ErrInvalidSchedule = errors.New("muster: invalid schedule")

	// State errors.
	ErrInvalidTransition = errors.New("muster: invalid state transition")
	ErrNotInProgress     = errors.New("muster: deployment not in progress")

	// Cluster errors.
	ErrNoLeader = errors.New("muster: no live leader")

	// Runtime errors.
	ErrQueueFull      = errors.New("muster: task queue full")
	ErrAlreadyRunning = errors.New("muster: already running")
)
