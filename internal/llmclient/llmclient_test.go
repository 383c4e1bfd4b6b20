package llmclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRejectsEmptyPatch(t *testing.T) {
	err := Validate(&Patch{}, 10)
	require.ErrorIs(t, err, ErrEmptyPatch)
}

func TestValidateRejectsNilPatch(t *testing.T) {
	err := Validate(nil, 10)
	require.ErrorIs(t, err, ErrEmptyPatch)
}

func TestValidateRejectsLineOutOfRange(t *testing.T) {
	patch := &Patch{Changes: []LineChange{{LineNumber: 11, FixedLine: "x"}}}
	err := Validate(patch, 10)
	require.ErrorIs(t, err, ErrLineOutOfRange)
}

func TestValidateAcceptsLineEqualToFileLength(t *testing.T) {
	patch := &Patch{Changes: []LineChange{{LineNumber: 10, FixedLine: "x"}}}
	require.NoError(t, Validate(patch, 10))
}

func TestValidateRejectsZeroLineNumber(t *testing.T) {
	patch := &Patch{Changes: []LineChange{{LineNumber: 0, FixedLine: "x"}}}
	err := Validate(patch, 10)
	require.ErrorIs(t, err, ErrLineOutOfRange)
}

func TestValidateRejectsNULByte(t *testing.T) {
	patch := &Patch{Changes: []LineChange{{LineNumber: 1, FixedLine: "bad\x00line"}}}
	err := Validate(patch, 10)
	require.ErrorIs(t, err, ErrNULByte)
}

func TestValidateAcceptsCleanPatch(t *testing.T) {
	patch := &Patch{Changes: []LineChange{
		{LineNumber: 1, FixedLine: "import React from 'react'", Explanation: "add missing import"},
	}}
	require.NoError(t, Validate(patch, 80))
}
