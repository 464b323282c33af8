package coordinator

import (
	"errors"
	"fmt"

	"github.com/dreamware/ringshard/internal/hashring"
)

var (
	// ErrShardNotFound is returned for operations on an unknown shard id.
	ErrShardNotFound = errors.New("shard not found")

	// ErrShardExists is returned when registering an id twice.
	ErrShardExists = errors.New("shard already registered")

	// ErrInvalidWeight is returned for non-positive weights. It is the ring's
	// error, so errors.Is matches either package's sentinel.
	ErrInvalidWeight = hashring.ErrInvalidWeight
)

// ConnectivityError reports that a shard store could not be reached.
type ConnectivityError struct {
	ShardID string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("shard %s unreachable: %v", e.ShardID, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
