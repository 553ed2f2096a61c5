// internal/verify/predicates.go
package verify

import (
	"context"

	"github.com/tidwall/gjson"

	"meshdb/internal/proto"
)

// FieldsFrozen builds a predicate that forbids changing the named JSON paths
// once they exist: every listed path must carry the same value in the new
// write as in the stored one. First writes pass untouched.
func FieldsFrozen(paths ...string) Predicate {
	return func(_ context.Context, msg *proto.VerificationData, previous *proto.VerificationData) (bool, error) {
		if previous == nil {
			return true, nil
		}
		for _, path := range paths {
			old := gjson.GetBytes(previous.Value, path)
			if !old.Exists() {
				continue
			}
			next := gjson.GetBytes(msg.Value, path)
			if !next.Exists() || old.Raw != next.Raw {
				return false, nil
			}
		}
		return true, nil
	}
}

// RequireFields builds a predicate that rejects writes missing any of the
// named JSON paths.
func RequireFields(paths ...string) Predicate {
	return func(_ context.Context, msg *proto.VerificationData, _ *proto.VerificationData) (bool, error) {
		for _, path := range paths {
			if !gjson.GetBytes(msg.Value, path).Exists() {
				return false, nil
			}
		}
		return true, nil
	}
}
