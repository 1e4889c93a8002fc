package config

import "errors"

var (
	// ErrConfigVersionTooNew is returned when a config file declares a
	// schema version newer than this build understands.
	ErrConfigVersionTooNew = errors.New("config version is newer than supported")
	// ErrInvalidMaxPeers is returned when max_peers is not positive.
	ErrInvalidMaxPeers = errors.New("max_peers must be positive")
	// ErrInvalidTargetPeers is returned when target_peers is not positive.
	ErrInvalidTargetPeers = errors.New("target_peers must be positive")
	// ErrInvalidNameMaxLen is returned when name_max_len is not positive.
	ErrInvalidNameMaxLen = errors.New("name_max_len must be positive")
)
