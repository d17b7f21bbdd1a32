//go:build ruleguard
// +build ruleguard

package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func NoDriverCommandErrorAssertion(m dsl.Matcher) {
	m.Import("go.mongodb.org/mongo-driver/mongo")

	m.Match("$err.(mongo.CommandError)", "$err.(*mongo.CommandError)").
		Report("Server errors may be wrapped; use remote.AsCommandError instead.")
}
