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

import (
	"context"
	"sort"

	sq "github.com/Masterminds/squirrel"
)

// ArticlesTable is the relational table holding the authoritative counts.
const ArticlesTable = "articles"

// BulkIncrementer persists a batch of positive deltas in one atomic
// transaction. Implementations classify failures by wrapping ErrTransient or
// ErrPermanent.
//
// Apply must be called with at least one entry; an empty map is a no-op.
type BulkIncrementer interface {
	Apply(ctx context.Context, deltas map[int64]int64) error
}

// ArticleReader reads persisted counts.
type ArticleReader interface {
	// ViewsCount returns the stored count of id or ErrArticleNotFound.
	ViewsCount(ctx context.Context, id int64) (int64, error)
	// ViewsCounts returns stored counts for the ids that exist.
	ViewsCounts(ctx context.Context, ids []int64) (map[int64]int64, error)
}

// BuildBulkIncrement renders the single statement that applies deltas:
//
//	UPDATE articles SET views_count = CASE
//	  WHEN id = ? THEN views_count + ? ...
//	END WHERE id IN (?,...)
//
// Ids are sorted ascending so concurrent flushers lock rows in the same
// order. format picks the placeholder style (sq.Dollar for PostgreSQL,
// sq.Question otherwise). Values are always bound, never interpolated.
func BuildBulkIncrement(deltas map[int64]int64, format sq.PlaceholderFormat) (string, []any, error) {
	if len(deltas) == 0 {
		return "", nil, nil
	}
	ids := sortedIDs(deltas)

	views := sq.Case()
	for _, id := range ids {
		views = views.When(sq.Eq{"id": id}, sq.Expr("views_count + ?", deltas[id]))
	}
	return sq.Update(ArticlesTable).
		Set("views_count", views).
		Where(sq.Eq{"id": ids}).
		PlaceholderFormat(format).
		ToSql()
}

func sortedIDs(m map[int64]int64) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
