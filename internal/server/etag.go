package server

import (
	"strconv"
	"strings"

	"github.com/sardorbek/cardpay/pkg/errors"
)

// parseETag normalizes an If-Match version token. Accepted forms are a bare
// integer, a quoted integer, and a weak-tagged one: 3, "3", W/"3".
func parseETag(etag string) (int64, error) {
	cleaned := strings.TrimSpace(etag)
	cleaned = strings.TrimPrefix(cleaned, "W/")
	cleaned = strings.Trim(cleaned, `"`)

	version, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil || version < 0 {
		return 0, errors.Newf(errors.KindValidation, "invalid If-Match version token: %q", etag)
	}
	return version, nil
}
