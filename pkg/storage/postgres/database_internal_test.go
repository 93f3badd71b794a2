package postgres

import "testing"

// go test -v --run TestCreateDatabaseSQL
func TestCreateDatabaseSQL(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"tick_db", `CREATE DATABASE "tick_db"`},
		{`tick"db`, `CREATE DATABASE "tick""db"`},
		{`tick\db`, `CREATE DATABASE "tick\db"`},
		{`x"; DROP DATABASE postgres; --`, `CREATE DATABASE "x""; DROP DATABASE postgres; --"`},
	}
	for _, tt := range tests {
		if got := createDatabaseSQL(tt.name); got != tt.want {
			t.Errorf("createDatabaseSQL(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}
