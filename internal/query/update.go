package query

import (
	"fmt"
	"sort"
	"time"
)

// Update operator names recognized by ApplyUpdate.
var updateOperators = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$mul": true,
	"$min": true, "$max": true, "$currentDate": true,
	"$addToSet": true, "$push": true, "$pull": true,
	"$pullAll": true, "$pop": true,
}

// HasOperators reports whether the update document uses operator syntax.
func HasOperators(update map[string]interface{}) bool {
	for k := range update {
		if updateOperators[k] {
			return true
		}
	}
	return false
}

// ApplyUpdate mutates doc according to the update document. Operator entries
// apply their modifier; bare fields are direct sets. The caller re-validates
// the result and owns rollback on failure.
func ApplyUpdate(doc map[string]interface{}, update map[string]interface{}) error {
	for op, rawArgs := range update {
		if !updateOperators[op] {
			if len(op) > 0 && op[0] == '$' {
				return fmt.Errorf("unknown update operator: %s", op)
			}
			setPath(doc, op, rawArgs)
			continue
		}

		args, ok := rawArgs.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s requires an object argument", op)
		}

		for field, arg := range args {
			var err error
			switch op {
			case "$set":
				setPath(doc, field, arg)
			case "$unset":
				deletePath(doc, field)
			case "$inc":
				err = applyArithmetic(doc, field, arg, func(cur, d float64) float64 { return cur + d })
			case "$mul":
				err = applyArithmetic(doc, field, arg, func(cur, d float64) float64 { return cur * d })
			case "$min":
				applyMinMax(doc, field, arg, -1)
			case "$max":
				applyMinMax(doc, field, arg, 1)
			case "$currentDate":
				setPath(doc, field, time.Now().UTC().Format(time.RFC3339Nano))
			case "$addToSet":
				err = applyAddToSet(doc, field, arg)
			case "$push":
				err = applyPush(doc, field, arg)
			case "$pull":
				err = applyPull(doc, field, arg)
			case "$pullAll":
				err = applyPullAll(doc, field, arg)
			case "$pop":
				err = applyPop(doc, field, arg)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func applyArithmetic(doc map[string]interface{}, field string, arg interface{}, op func(cur, d float64) float64) error {
	delta, ok := toFloat(arg)
	if !ok {
		return fmt.Errorf("numeric argument required for field %s", field)
	}
	cur := 0.0
	if existing, exists := lookupPath(doc, field); exists {
		f, ok := toFloat(existing)
		if !ok {
			return fmt.Errorf("cannot apply numeric operator to non-numeric field %s", field)
		}
		cur = f
	}
	setPath(doc, field, op(cur, delta))
	return nil
}

// applyMinMax keeps the smaller (dir<0) or larger (dir>0) of the current and
// proposed values. An absent current value is no constraint: the proposed
// value is stored.
func applyMinMax(doc map[string]interface{}, field string, arg interface{}, dir int) {
	existing, exists := lookupPath(doc, field)
	if !exists {
		setPath(doc, field, arg)
		return
	}
	cmp := CompareValues(arg, existing)
	if (dir < 0 && cmp < 0) || (dir > 0 && cmp > 0) {
		setPath(doc, field, arg)
	}
}

func applyAddToSet(doc map[string]interface{}, field string, arg interface{}) error {
	arr, err := arrayAt(doc, field)
	if err != nil {
		return err
	}

	var additions []interface{}
	if mod, ok := arg.(map[string]interface{}); ok {
		if each, hasEach := mod["$each"]; hasEach {
			list, ok := each.([]interface{})
			if !ok {
				return fmt.Errorf("$each requires an array for field %s", field)
			}
			additions = list
		} else {
			additions = []interface{}{arg}
		}
	} else {
		additions = []interface{}{arg}
	}

	for _, add := range additions {
		present := false
		for _, existing := range arr {
			if valueEquals(existing, add, false) {
				present = true
				break
			}
		}
		if !present {
			arr = append(arr, add)
		}
	}
	setPath(doc, field, arr)
	return nil
}

// applyPush appends to an array. With $each modifiers the order of effects is
// fixed: insert at $position, then $sort, then $slice.
func applyPush(doc map[string]interface{}, field string, arg interface{}) error {
	arr, err := arrayAt(doc, field)
	if err != nil {
		return err
	}

	mod, isMod := arg.(map[string]interface{})
	if !isMod || mod["$each"] == nil {
		arr = append(arr, arg)
		setPath(doc, field, arr)
		return nil
	}

	each, ok := mod["$each"].([]interface{})
	if !ok {
		return fmt.Errorf("$each requires an array for field %s", field)
	}

	// Insert at $position (default: end).
	pos := len(arr)
	if rawPos, hasPos := mod["$position"]; hasPos {
		p, ok := toFloat(rawPos)
		if !ok {
			return fmt.Errorf("$position requires a number for field %s", field)
		}
		pos = int(p)
		if pos < 0 {
			pos = len(arr) + pos
		}
		if pos < 0 {
			pos = 0
		}
		if pos > len(arr) {
			pos = len(arr)
		}
	}
	merged := make([]interface{}, 0, len(arr)+len(each))
	merged = append(merged, arr[:pos]...)
	merged = append(merged, each...)
	merged = append(merged, arr[pos:]...)

	// Then $sort.
	if rawSort, hasSort := mod["$sort"]; hasSort {
		dir, ok := toFloat(rawSort)
		if !ok {
			return fmt.Errorf("$sort requires 1 or -1 for field %s", field)
		}
		sort.SliceStable(merged, func(i, j int) bool {
			cmp := CompareValues(merged[i], merged[j])
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	// Then $slice.
	if rawSlice, hasSlice := mod["$slice"]; hasSlice {
		n, ok := toFloat(rawSlice)
		if !ok {
			return fmt.Errorf("$slice requires a number for field %s", field)
		}
		limit := int(n)
		if limit < 0 {
			// Negative slice keeps the tail.
			if -limit < len(merged) {
				merged = merged[len(merged)+limit:]
			}
		} else if limit < len(merged) {
			merged = merged[:limit]
		}
	}

	setPath(doc, field, merged)
	return nil
}

func applyPull(doc map[string]interface{}, field string, arg interface{}) error {
	arr, err := arrayAt(doc, field)
	if err != nil {
		return err
	}

	matches := func(el interface{}) bool {
		return valueEquals(el, arg, false)
	}
	if cond, ok := arg.(map[string]interface{}); ok && isOperatorMap(cond) {
		matches = func(el interface{}) bool {
			for op, opVal := range cond {
				fn := &FieldNode{Field: "v", Operator: Operator(op), Value: opVal}
				if !fn.Matches(map[string]interface{}{"v": el}) {
					return false
				}
			}
			return true
		}
	}

	kept := arr[:0:0]
	for _, el := range arr {
		if !matches(el) {
			kept = append(kept, el)
		}
	}
	setPath(doc, field, kept)
	return nil
}

func applyPullAll(doc map[string]interface{}, field string, arg interface{}) error {
	values, ok := arg.([]interface{})
	if !ok {
		return fmt.Errorf("$pullAll requires an array for field %s", field)
	}
	arr, err := arrayAt(doc, field)
	if err != nil {
		return err
	}
	kept := arr[:0:0]
	for _, el := range arr {
		remove := false
		for _, v := range values {
			if valueEquals(el, v, false) {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, el)
		}
	}
	setPath(doc, field, kept)
	return nil
}

func applyPop(doc map[string]interface{}, field string, arg interface{}) error {
	dir, ok := toFloat(arg)
	if !ok {
		return fmt.Errorf("$pop requires 1 or -1 for field %s", field)
	}
	arr, err := arrayAt(doc, field)
	if err != nil {
		return err
	}
	if len(arr) == 0 {
		return nil
	}
	if dir < 0 {
		setPath(doc, field, arr[1:])
	} else {
		setPath(doc, field, arr[:len(arr)-1])
	}
	return nil
}

// arrayAt returns the array at field, or an empty array when absent.
func arrayAt(doc map[string]interface{}, field string) ([]interface{}, error) {
	existing, exists := lookupPath(doc, field)
	if !exists || existing == nil {
		return nil, nil
	}
	arr, ok := existing.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field %s is not an array", field)
	}
	return arr, nil
}

func setPath(doc map[string]interface{}, path string, value interface{}) {
	m := doc
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		seg := path[start:i]
		next, ok := m[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			m[seg] = next
		}
		m = next
		start = i + 1
	}
	m[path[start:]] = value
}

func deletePath(doc map[string]interface{}, path string) {
	m := doc
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		seg := path[start:i]
		next, ok := m[seg].(map[string]interface{})
		if !ok {
			return
		}
		m = next
		start = i + 1
	}
	delete(m, path[start:])
}
