/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SKIP LOCKED lets concurrent dispatchers claim disjoint rows; a row is
// published at most once per pipeline because the mark commits in the
// same transaction as the claim.
const (
	analysisPullOne = `
		select wad_id
		from wads
		where dispatched_analysis_at is null
		order by created_at asc
		limit 1
		for update skip locked`

	analysisMark = `
		update wads
		set dispatched_analysis_at = now()
		where wad_id = $1`

	imagesPullOne = `
		select w.wad_id
		from wads w
		left join wad_dispatch_images d
			on d.wad_id = w.wad_id
		where d.wad_id is null
		  and exists (
			  select 1
			  from wad_maps m
			  where m.wad_id = w.wad_id
		  )
		order by w.created_at asc
		limit 1
		for update of w skip locked`

	imagesMark = `
		insert into wad_dispatch_images (wad_id)
		values ($1)
		on conflict (wad_id) do nothing`
)

// PostgresStore claims work rows for one pipeline.
type PostgresStore struct {
	pool    *pgxpool.Pool
	pullOne string
	mark    string
}

// NewAnalysisStore claims wads whose analysis has never been dispatched,
// tracked by the nullable timestamp column.
func NewAnalysisStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pullOne: analysisPullOne, mark: analysisMark}
}

// NewImagesStore claims wads with maps but no image dispatch, tracked by
// presence in a companion table.
func NewImagesStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, pullOne: imagesPullOne, mark: imagesMark}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx, pullOne: s.pullOne, mark: s.mark}, nil
}

type postgresTx struct {
	tx      pgx.Tx
	pullOne string
	mark    string
}

func (t *postgresTx) PullOne(ctx context.Context) (string, bool, error) {
	var wadID string
	err := t.tx.QueryRow(ctx, t.pullOne).Scan(&wadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return wadID, true, nil
}

func (t *postgresTx) MarkDispatched(ctx context.Context, wadID string) error {
	_, err := t.tx.Exec(ctx, t.mark, wadID)
	return err
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
