package goRotate

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedToken is returned when a token cannot be decoded or its claims are not ours.
	ErrMalformedToken = errors.New("malformed token")
	// ErrExpiredToken is returned when a token's lifetime has ended.
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidSignature is returned when no current or in-grace key verifies a token.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrRefreshNotFound is returned when a validly signed refresh token names no ledger record.
	ErrRefreshNotFound = errors.New("refresh token not found")
	// ErrStorageUnavailable is returned when the ledger cannot be reached. Callers
	// may retry with backoff; it is never a security outcome.
	ErrStorageUnavailable = errors.New("token storage unavailable")
	// ErrPrincipalInvalid is returned when a principal snapshot fails validation.
	ErrPrincipalInvalid = errors.New("invalid principal")
	// ErrPrincipalNotFound is returned by a PrincipalProvider when the principal no longer exists.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrRefreshRateLimited is returned when one family is refreshed too often.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrEngineNotReady is returned by an Engine that was not produced by Builder.Build.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrReauthenticate is the single signal that the caller must drop its
	// credentials and log in again. Both ErrStaleReplay and ErrFamilyRevoked match it.
	ErrReauthenticate = errors.New("session invalid, please log in again")
	// ErrStaleReplay is returned when an already rotated refresh token was presented.
	// The token's whole family is revoked as a result.
	ErrStaleReplay = fmt.Errorf("%w: stale refresh token replayed", ErrReauthenticate)
	// ErrFamilyRevoked is returned when the presented token belongs to a revoked family.
	ErrFamilyRevoked = fmt.Errorf("%w: token family revoked", ErrReauthenticate)
)
