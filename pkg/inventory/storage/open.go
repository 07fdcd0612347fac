package storage

import (
	"errors"
	"fmt"

	"github.com/nemonet1337/zaiLotEngine/pkg/inventory"
	"go.uber.org/zap"
)

// DriverMemory selects the in-process storage
const DriverMemory = "memory"

// ErrUnknownDriver is returned by Open for an unsupported driver name
var ErrUnknownDriver = errors.New("未対応のデータベースドライバです")

// Open creates the storage for a driver name.
// dsn is a connection string for postgres and a file path for sqlite3.
// ドライバ名に応じたストレージを作成
func Open(driver, dsn string, logger *zap.Logger) (inventory.Storage, error) {
	switch driver {
	case DriverPostgres:
		s, err := NewPostgreSQLStorage(dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := NewSQLiteStorage(dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemoryStorage(logger), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
}
