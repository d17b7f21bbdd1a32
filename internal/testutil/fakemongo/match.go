package fakemongo

import (
	"bytes"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// matches evaluates a query filter against doc. It understands dotted
// paths, implicit equality, $and, $or, and the operators $eq, $ne,
// $exists, $in, $gt, $gte, $lt, and $lte.
func matches(doc, filter bson.Raw) bool {
	elems, err := filter.Elements()
	if err != nil {
		return false
	}

	for _, elem := range elems {
		if !matchElement(doc, elem.Key(), elem.Value()) {
			return false
		}
	}

	return true
}

func matchElement(doc bson.Raw, key string, cond bson.RawValue) bool {
	switch key {
	case "$and", "$or":
		subs, err := cond.Array().Values()
		if err != nil {
			return false
		}

		for _, sub := range subs {
			hit := matches(doc, sub.Document())
			if key == "$or" && hit {
				return true
			}
			if key == "$and" && !hit {
				return false
			}
		}

		return key == "$and"
	}

	val, err := doc.LookupErr(strings.Split(key, ".")...)
	found := err == nil

	if ops, ok := operatorDoc(cond); ok {
		return matchOperators(val, found, ops)
	}

	return found && valuesEqual(val, cond)
}

func operatorDoc(cond bson.RawValue) (bson.Raw, bool) {
	doc, ok := cond.DocumentOK()
	if !ok {
		return nil, false
	}

	first, err := doc.IndexErr(0)
	if err != nil || !strings.HasPrefix(first.Key(), "$") {
		return nil, false
	}

	return doc, true
}

func matchOperators(val bson.RawValue, found bool, ops bson.Raw) bool {
	elems, err := ops.Elements()
	if err != nil {
		return false
	}

	for _, elem := range elems {
		arg := elem.Value()

		var ok bool
		switch elem.Key() {
		case "$eq":
			ok = found && valuesEqual(val, arg)
		case "$ne":
			ok = !found || !valuesEqual(val, arg)
		case "$exists":
			want := truthy(arg)
			ok = found == want
		case "$in":
			ok = found && inArray(val, arg)
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && compareNumbers(elem.Key(), val, arg)
		default:
			return false
		}

		if !ok {
			return false
		}
	}

	return true
}

func valuesEqual(a, b bson.RawValue) bool {
	af, aNum := rawFloat(a)
	bf, bNum := rawFloat(b)
	if aNum && bNum {
		return af == bf
	}

	return a.Type == b.Type && bytes.Equal(a.Value, b.Value)
}

func inArray(val, arr bson.RawValue) bool {
	candidates, err := arr.Array().Values()
	if err != nil {
		return false
	}

	for _, c := range candidates {
		if valuesEqual(val, c) {
			return true
		}
	}

	return false
}

func compareNumbers(op string, val, arg bson.RawValue) bool {
	v, ok1 := rawFloat(val)
	a, ok2 := rawFloat(arg)
	if !ok1 || !ok2 {
		return false
	}

	switch op {
	case "$gt":
		return v > a
	case "$gte":
		return v >= a
	case "$lt":
		return v < a
	default:
		return v <= a
	}
}

func truthy(v bson.RawValue) bool {
	if b, ok := v.BooleanOK(); ok {
		return b
	}

	if f, ok := rawFloat(v); ok {
		return f != 0
	}

	return v.Type != bson.TypeNull && v.Type != bson.TypeUndefined
}
