// Package runlog persists training scalars to a SQLite database so runs can
// be compared and plotted after the fact.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// Scalar is one logged value for a tag at a training step.
type Scalar struct {
	bun.BaseModel `bun:"table:scalars"`

	ID       int64   `bun:"id,pk,autoincrement"`
	Run      string  `bun:"run,notnull"`
	Tag      string  `bun:"tag,notnull"`
	Step     int     `bun:"step,notnull"`
	Value    float64 `bun:"value,notnull"`
	WallTime int64   `bun:"wall_time,notnull"`
}

// Writer appends scalars for a single named run.
type Writer struct {
	db  *bun.DB
	run string
	now func() time.Time
}

// Open creates or opens the scalar database at path. An empty path returns a
// nil writer, which discards all scalars.
func Open(path, run string) (*Writer, error) {
	if path == "" {
		return nil, nil
	}
	sqlDB, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open scalar db: %w", err)
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())

	ctx := context.Background()
	if _, err := db.NewCreateTable().Model((*Scalar)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create scalars table: %w", err)
	}
	if _, err := db.NewCreateIndex().Model((*Scalar)(nil)).
		Index("idx_scalars_run_tag_step").IfNotExists().
		Column("run", "tag", "step").Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create scalars index: %w", err)
	}
	return &Writer{db: db, run: run, now: time.Now}, nil
}

// AddScalar records one value for the tag at the given step.
func (w *Writer) AddScalar(ctx context.Context, tag string, step int, value float64) error {
	if w == nil {
		return nil
	}
	s := &Scalar{
		Run:      w.run,
		Tag:      tag,
		Step:     step,
		Value:    value,
		WallTime: w.now().UnixMilli(),
	}
	if _, err := w.db.NewInsert().Model(s).Exec(ctx); err != nil {
		return fmt.Errorf("insert scalar %s: %w", tag, err)
	}
	return nil
}

// Scalars returns all values recorded for a tag in this run, ordered by step.
func (w *Writer) Scalars(ctx context.Context, tag string) ([]Scalar, error) {
	if w == nil {
		return nil, nil
	}
	var out []Scalar
	err := w.db.NewSelect().Model(&out).
		Where("run = ?", w.run).
		Where("tag = ?", tag).
		Order("step ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("query scalars %s: %w", tag, err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	return w.db.Close()
}
