package lotusdb

import "errors"

var (
	ErrKeyIsEmpty               = errors.New("the key is empty")
	ErrKeyNotFound              = errors.New("key not found in database")
	ErrValueTooLarge            = errors.New("the entry is too large for a memtable")
	ErrDatabaseIsUsing          = errors.New("the database directory is used by another process")
	ErrDatabaseNotExist         = errors.New("the database directory does not exist")
	ErrDBClosed                 = errors.New("the database is closed")
	ErrDBDirectoryISEmpty       = errors.New("the database directory path can not be empty")
	ErrWaitMemtableSpaceTimeOut = errors.New("wait memtable space timeout, try again later")
	ErrBackgroundFlush          = errors.New("a background flush failed, the column family is read only")
	ErrColumnFamilyNameInvalid  = errors.New("the column family name is invalid")
	ErrColumnFamilyExists       = errors.New("the column family already exists")
	ErrColumnFamilyNotFound     = errors.New("the column family does not exist")
	ErrColumnFamilyNotOpened    = errors.New("the column family exists on disk but was not listed in Options.ColumnFamilies")
	ErrMultiGetArgs             = errors.New("multi get needs one column family per key")
)
