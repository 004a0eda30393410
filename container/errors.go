// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package container

import "errors"

// Registry errors, surfaced to control-plane callers.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateName    = errors.New("name already in use")
	ErrInUse            = errors.New("definition is in use by a channel")
	ErrNotConnected     = errors.New("connection is not connected")
	ErrDestinationBound = errors.New("destination already has a listener")
	ErrClosed           = errors.New("container is closed")
)
