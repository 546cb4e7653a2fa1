package graph

import "strconv"

//go:generate qtc -file=dot.qtpl

func itoa(n int) string {
	return strconv.Itoa(n)
}
