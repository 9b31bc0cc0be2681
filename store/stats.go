package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Stats summarises a sample directory.
type Stats struct {
	Shards    int
	Samples   int64
	MeanValue float64
	Wins      int64
	Draws     int64
	Losses    int64
}

// ComputeStats aggregates every shard of dir with DuckDB's read_parquet.
func ComputeStats(ctx context.Context, dir string) (Stats, error) {
	shards, err := ListShards(dir)
	if err != nil {
		return Stats{}, err
	}
	if len(shards) == 0 {
		return Stats{}, nil
	}

	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return Stats{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	glob := strings.ReplaceAll(filepath.Join(dir, "shard_*.parquet"), "'", "''")
	query := `
		SELECT
			count(DISTINCT filename),
			count(*),
			coalesce(avg(value), 0),
			count(*) FILTER (WHERE value > 0),
			count(*) FILTER (WHERE value = 0),
			count(*) FILTER (WHERE value < 0)
		FROM read_parquet('` + glob + `', filename=true)`

	var st Stats
	if err := db.QueryRowContext(ctx, query).Scan(&st.Shards, &st.Samples, &st.MeanValue, &st.Wins, &st.Draws, &st.Losses); err != nil {
		return Stats{}, fmt.Errorf("query shard stats: %w", err)
	}
	return st, nil
}
