package imagegen

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyPrompt   = errors.New("prompt is empty")
	ErrNotConfigured = errors.New("image generation is not configured")
	ErrNoImage       = errors.New("no image URL was generated or response structure is unexpected")
	ErrImageTooLarge = errors.New("generated image exceeds size limit")
)

// UpstreamError is a non-2xx answer from the generation API
type UpstreamError struct {
	Status  int
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("image generation upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("image generation upstream returned status %d: %s", e.Status, e.Message)
}

// StorageError wraps a failed write to the object store
type StorageError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store image s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
