package debugapi

import (
	"errors"
	"strconv"
)

var errNoSuchProcess = errors.New("no such process")

func parsePID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
