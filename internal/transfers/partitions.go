package transfers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PartitionMaintainer keeps the monthly partitions of the transactions
// table ahead of the calendar: the current and next month's partitions must
// exist before any write for that period.
type PartitionMaintainer struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPartitionMaintainer creates a maintainer.
func NewPartitionMaintainer(db *gorm.DB, logger *zap.Logger) *PartitionMaintainer {
	return &PartitionMaintainer{db: db, logger: logger}
}

// partitionName is the deterministic name for the month containing t.
func partitionName(t time.Time) string {
	return fmt.Sprintf("transactions_%d_%02d", t.Year(), int(t.Month()))
}

// monthRange returns the half-open [start, end) bounds of t's month in UTC.
func monthRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// nextMonth returns the first day of the month after t's. Adding a month to
// t directly would overflow-normalize at month ends (Jan 31 + 1 month is
// Mar 3), skipping short months entirely.
func nextMonth(t time.Time) time.Time {
	start, _ := monthRange(t)
	return start.AddDate(0, 1, 0)
}

// EnsureMonth creates the partition covering t if it does not exist.
func (m *PartitionMaintainer) EnsureMonth(ctx context.Context, t time.Time) error {
	// Declarative partitioning is a PostgreSQL feature; the SQLite test
	// database stores everything in the base table.
	if m.db.Dialector.Name() != "postgres" {
		return nil
	}

	name := partitionName(t)
	start, end := monthRange(t)

	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF transactions FOR VALUES FROM ('%s') TO ('%s')",
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if err := m.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		m.logger.Error("partition creation failed", zap.String("partition", name), zap.Error(err))
		return err
	}

	m.logger.Info("partition ensured", zap.String("partition", name))
	return nil
}

// EnsureCurrentAndNext runs the startup check: partitions for the current
// and next month.
func (m *PartitionMaintainer) EnsureCurrentAndNext(ctx context.Context) error {
	now := time.Now()
	if err := m.EnsureMonth(ctx, now); err != nil {
		return err
	}
	return m.EnsureMonth(ctx, nextMonth(now))
}

// Run keeps the next month's partition ahead of the month boundary on a
// daily cadence until ctx is cancelled.
func (m *PartitionMaintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.EnsureMonth(ctx, nextMonth(time.Now())); err != nil {
				m.logger.Error("daily partition maintenance failed", zap.Error(err))
			}
		}
	}
}
