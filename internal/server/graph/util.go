package graph

import "strconv"

func nodeString(id NodeId) string {
	return strconv.FormatInt(int64(id), 10)
}
