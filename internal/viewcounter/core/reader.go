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
	"fmt"

	"go.uber.org/zap"
)

// DeltaReader reads pending deltas.
type DeltaReader interface {
	CurrentDelta(ctx context.Context, articleID int64) int64
	ReadDeltas(ctx context.Context, ids []int64) ([]int64, error)
}

// ReadView reports the count a visitor should see: the persisted count plus
// whatever is still pending in the KV store. It never writes.
//
// The two reads are not atomic. A flush landing between them can make a
// single read over- or under-report by up to one batch's delta; the next
// read is exact again.
type ReadView struct {
	articles ArticleReader
	deltas   DeltaReader
	logger   *zap.Logger
}

// NewReadView creates a ReadView.
func NewReadView(articles ArticleReader, deltas DeltaReader, logger *zap.Logger) *ReadView {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadView{articles: articles, deltas: deltas, logger: logger}
}

// TotalViews returns persisted + pending views of articleID. A KV failure
// degrades to the persisted count.
func (v *ReadView) TotalViews(ctx context.Context, articleID int64) (int64, error) {
	if articleID <= 0 {
		return 0, ErrInvalidArticleID
	}
	persisted, err := v.articles.ViewsCount(ctx, articleID)
	if err != nil {
		return 0, fmt.Errorf("article %d: %w", articleID, err)
	}
	return persisted + v.deltas.CurrentDelta(ctx, articleID), nil
}

// TotalViewsMany is TotalViews for a list of ids, with one database query and
// one KV pipeline. Ids without an article row are absent from the result.
func (v *ReadView) TotalViewsMany(ctx context.Context, ids []int64) (map[int64]int64, error) {
	valid := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return map[int64]int64{}, nil
	}
	persisted, err := v.articles.ViewsCounts(ctx, valid)
	if err != nil {
		return nil, fmt.Errorf("read articles: %w", err)
	}
	found := make([]int64, 0, len(persisted))
	for _, id := range valid {
		if _, ok := persisted[id]; ok {
			found = append(found, id)
		}
	}
	pending, err := v.deltas.ReadDeltas(ctx, found)
	if err != nil {
		v.logger.Warn("pending deltas unavailable, serving persisted counts", zap.Error(err))
		pending = make([]int64, len(found))
	}
	out := make(map[int64]int64, len(found))
	for i, id := range found {
		out[id] = persisted[id] + pending[i]
	}
	return out, nil
}
