package postgres

import (
	"fmt"
	"strings"
)

// placeholder returns the n-th positional parameter for PostgreSQL.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

// placeholdersFrom returns n placeholders starting at position start.
func placeholdersFrom(start, n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(start+i))
	}
	return strings.Join(list, ", ")
}
