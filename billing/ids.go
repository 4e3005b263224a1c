package billing

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a sortable id such as "pay_01HZX...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

var idNamespace = uuid.MustParse("4b7f6c4e-3c1a-4f3e-9c55-2f0d3b9d8a61")

// DerivedID maps a natural key (admin idempotency key, gateway reference) to
// a stable id, so replays of the same request hit the same row.
func DerivedID(prefix string, parts ...string) string {
	return prefix + "_" + uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "\x00"))).String()
}
