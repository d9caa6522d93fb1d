// Copyright 2025 The Paasd Authors
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

// Package sqlstore keeps leases and initialization runs in a SQL database
// through gorm. PostgreSQL is the production target; SQLite serves local
// development and tests.
package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// LeaseModel is the row backing one lease.
type LeaseModel struct {
	LeaseKey        string `gorm:"primaryKey"`
	Holder          string
	AcquiredAt      time.Time
	RenewedAt       time.Time
	DurationSeconds int64
	Version         int64
}

func (LeaseModel) TableName() string { return "paasd_leases" }

// RunModel is the row backing one initialization run. The run itself is
// stored as JSON in Payload; the key columns and Phase are kept for queries.
type RunModel struct {
	TenantNamespace string `gorm:"primaryKey"`
	ReleaseName     string `gorm:"primaryKey"`
	Kind            string `gorm:"primaryKey"`
	ID              string `gorm:"index"`
	Phase           string `gorm:"index"`
	Payload         string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (RunModel) TableName() string { return "paasd_initialization_runs" }

// OpenDB connects to the database and migrates the schema.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if err := db.AutoMigrate(&LeaseModel{}, &RunModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
