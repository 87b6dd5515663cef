package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidBase64 indicates a field was not valid standard base64.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")
	// ErrPayloadTooLarge indicates a decoded field exceeded its byte limit.
	ErrPayloadTooLarge = errors.New("decoded payload exceeds size limit")
	// ErrWrongSize indicates a decoded field did not match its exact required size.
	ErrWrongSize = errors.New("decoded payload has wrong size")
)

// DecodeBase64Field decodes a base64 field while enforcing a decoded byte
// limit. The length check happens on the encoded string first so oversized
// inputs are rejected before any allocation proportional to their size.
func DecodeBase64Field(value string, maxBytes int) ([]byte, error) {
	if len(value) > Base64MaxLength(maxBytes) {
		return nil, ErrPayloadTooLarge
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(decoded) > maxBytes {
		return nil, ErrPayloadTooLarge
	}
	return decoded, nil
}

// DecodeBase64FieldExact decodes a base64 field that must decode to exactly
// exactBytes bytes (the IV, for instance).
func DecodeBase64FieldExact(value string, exactBytes int) ([]byte, error) {
	decoded, err := DecodeBase64Field(value, exactBytes)
	if err != nil {
		return nil, err
	}
	if len(decoded) != exactBytes {
		return nil, ErrWrongSize
	}
	return decoded, nil
}
