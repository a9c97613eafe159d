package middleware

import (
	"net/http"

	goRotate "github.com/MrEthical07/goRotate"
)

// RequireRole behaves like [Guard] and answers 403 when the token's role is not
// one of roles.
func RequireRole(engine *goRotate.Engine, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return guard(engine, func(res *goRotate.AccessResult) bool {
		_, ok := allowed[res.Role]
		return ok
	})
}
