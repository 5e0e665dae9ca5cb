package main

import "errors"

// Config errors
var (
	ErrLoadConfig   = errors.New("load config")
	ErrUnknownMode  = errors.New("unknown intercept mode")
	ErrPolicySource = errors.New("no policy source")
)

// Serve errors
var (
	ErrCreateRuntimeDir = errors.New("create runtime dir")
	ErrOpenState        = errors.New("open state database")
	ErrLoadPolicy       = errors.New("load initial policy")
)

// Client errors
var (
	ErrConnect     = errors.New("connect to daemon")
	ErrInvalidArgs = errors.New("invalid arguments")
)
