package store

import "errors"

var (
	ErrNotFound         = errors.New("store: not found")
	ErrOptimisticLock   = errors.New("store: version changed underneath us")
	ErrDuplicateMessage = errors.New("store: duplicate (topic_id, message_id) would violate uniqueness")
)
