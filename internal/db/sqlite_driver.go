package db

import (
	"crypto/sha3"
	"database/sql"
	"fmt"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

// SQLiteDriverName is the SQLCipher driver with the admin app's SQL functions:
//
//	sha3(value, 256)    hashes session, challenge and webhook tokens at rest
//	csv_has(list, item) matches one entry of a comma-separated alias list
const SQLiteDriverName = "sqlite3_rcadmin"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			funcs := []struct {
				name string
				impl any
			}{
				{"sha3", sqliteTokenHash},
				{"csv_has", sqliteCSVHas},
			}
			for _, f := range funcs {
				err := conn.RegisterFunc(f.name, f.impl, true)
				if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
					return fmt.Errorf("register %s SQL function: %w", f.name, err)
				}
			}
			return nil
		},
	})
}

// sqliteTokenHash only supports 256 bits; tokens are never hashed otherwise.
func sqliteTokenHash(token any, bits int64) ([]byte, error) {
	if bits != 256 {
		return nil, fmt.Errorf("unsupported sha3 size: %d", bits)
	}
	var data []byte
	switch v := token.(type) {
	case nil:
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("unsupported sha3 input type: %T", token)
	}
	sum := sha3.Sum256(data)
	return sum[:], nil
}

// sqliteCSVHas reports 1 when item is one of the comma-separated entries of
// list. Emoji aliases are stored that way.
func sqliteCSVHas(list, item string) int64 {
	if list == "" || item == "" {
		return 0
	}
	for _, entry := range strings.Split(list, ",") {
		if entry == item {
			return 1
		}
	}
	return 0
}
