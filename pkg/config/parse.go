package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func castInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse %q", v)
		}
		return n, nil
	default:
		return 0, errors.Errorf("unsupported value %T", value)
	}
}
