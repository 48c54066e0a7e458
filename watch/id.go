package watch

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateIDWithPrefix returns an id like "cl_k5qxgzlomj".
func generateIDWithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + "_" + strings.ToLower(idEncoding.EncodeToString(u[:])[:10])
}
