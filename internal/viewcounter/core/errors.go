// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "errors"

var (
	// ErrTransient marks a database failure worth retrying on the next cycle
	// (connection loss, timeout, serialization failure).
	ErrTransient = errors.New("transient database error")

	// ErrPermanent marks a database failure that retrying will not fix
	// (constraint violation, syntax error). The flush cycle aborts with it.
	ErrPermanent = errors.New("permanent database error")

	// ErrArticleNotFound is returned by readers when no article row exists.
	ErrArticleNotFound = errors.New("article not found")

	// ErrFlushInProgress is returned when a flush cycle is already running in this process.
	ErrFlushInProgress = errors.New("flush cycle already in progress")

	// ErrInvalidArticleID is returned for non-positive article ids.
	ErrInvalidArticleID = errors.New("invalid article id")
)

// IsRetryable reports whether err should send a batch to the retry set.
// Unclassified errors are treated as retryable: losing counts is worse than
// retrying a batch that fails again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}
