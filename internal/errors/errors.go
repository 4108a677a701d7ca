package errors

import "errors"

// Sync lifecycle errors.
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrExportFailed   = errors.New("export job failed on the server")
)

// Auth errors.
var (
	ErrAuthTimeout = errors.New("timed out waiting for access token")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
