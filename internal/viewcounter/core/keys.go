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

import "strconv"

// KV key layout. These strings are an operational contract shared with other
// deployments of the counter; do not change them.
const (
	DirtySetKey = "articles:viewed_to_sync"
	RetrySetKey = "articles:viewed_to_sync-retry"
)

// DeltaKey is the pending-delta key of an article.
func DeltaKey(articleID int64) string {
	return "articles:" + strconv.FormatInt(articleID, 10) + ":views"
}

// ViewedByKey is the unique-visit marker of (article, visitor).
func ViewedByKey(articleID int64, visitorID string) string {
	return "articles:" + strconv.FormatInt(articleID, 10) + ":viewed_by:" + visitorID
}

func deltaKeys(ids []int64) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = DeltaKey(id)
	}
	return keys
}

func idMembers(ids []int64) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
