package store

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

// mysql 1062: Duplicate entry
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
