package domain

import "errors"

var (
	ErrInvalidKeyType     = errors.New("invalid_key_type")
	ErrInvalidRetryStatus = errors.New("invalid_retry_status")
	ErrKeyNotFound        = errors.New("virtual_key_not_found")
	ErrRetryNotFound      = errors.New("retry_record_not_found")
)
