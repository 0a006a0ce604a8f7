package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"sqlopt/internal/config"
	"sqlopt/internal/sqlast"
	"sqlopt/internal/util"
)

// EnsureDatabase creates the configured MySQL database if it does not exist.
// Other drivers create their database on connect or not at all.
func EnsureDatabase(ctx context.Context, cfg config.Config) error {
	if cfg.Database == "" {
		return nil
	}
	driver := cfg.Driver
	if driver == "" {
		detected, err := DetectDriver(cfg.DSN)
		if err != nil {
			return err
		}
		driver = detected
	}
	if d, ok := sqlast.ParseDialect(driver); ok {
		driver = driverFor(d)
	}
	if driver != DriverMySQL {
		return nil
	}
	admin, err := OpenDriver(DriverMySQL, config.AdminDSN(cfg.DSN))
	if err != nil {
		return err
	}
	defer util.CloseWithErr(admin, "db admin")
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database), nil)
	return errors.Wrapf(err, "ensure database %s", cfg.Database)
}
