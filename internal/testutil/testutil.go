// Package testutil holds helpers shared by the harness's tests.
package testutil

import (
	"go.mongodb.org/mongo-driver/bson"
)

// MustMarshal wraps `bson.Marshal` with a panic on failure.
func MustMarshal(doc any) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic("bson.Marshal (error in test): " + err.Error())
	}

	return raw
}

// MustMarshalAll marshals each document, as a server reply batch would
// hold them.
func MustMarshalAll[T any](docs ...T) []bson.Raw {
	raws := make([]bson.Raw, len(docs))
	for i, doc := range docs {
		raws[i] = MustMarshal(doc)
	}

	return raws
}

// OK is the reply of a command that succeeded without a payload.
func OK() bson.Raw {
	return MustMarshal(bson.D{{"ok", 1}})
}
