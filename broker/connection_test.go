// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormat(t *testing.T) {
	cause := errors.New("link down")
	err := &Error{
		Op:             "receive",
		CompletionCode: CompletionFailed,
		ReasonCode:     ReasonConnectionBroken,
		Err:            cause,
	}

	assert.Equal(t, "broker receive failed, completion_code: 2, reason_code: 2009: link down", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestErrorAs(t *testing.T) {
	var target *Error

	wrapped := errors.Join(errors.New("outer"), &Error{Op: "send", ReasonCode: ReasonPutFailed})
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, ReasonPutFailed, target.ReasonCode)
}
