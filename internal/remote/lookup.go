package remote

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// Lookup unmarshals the value at the given path of a reply. The boolean
// is false, with no error, if the path is absent.
func Lookup[T any](doc bson.Raw, keys ...string) (T, bool, error) {
	var dest T

	val, err := doc.LookupErr(keys...)
	if errors.Is(err, bsoncore.ErrElementNotFound) {
		return dest, false, nil
	} else if err != nil {
		return dest, false, errors.Wrapf(err, "failed to look up %+v in BSON doc", keys)
	}

	if err := val.Unmarshal(&dest); err != nil {
		return dest, true, errors.Wrapf(err, "failed to decode %+v (%s) as %T", keys, val.Type, dest)
	}

	return dest, true, nil
}
