package query

import (
	"fmt"
	"strconv"
)

// valueEquals reports equality with numeric widening. With coerce set, a
// string/number mismatch is bridged by parsing.
func valueEquals(a, b interface{}, coerce bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum && coerce {
		if v, ok := coerceFloat(a); ok {
			fa, aNum = v, true
		}
		if v, ok := coerceFloat(b); ok {
			fb, bNum = v, true
		}
		if aNum && bNum {
			return fa == fb
		}
	}
	if !aNum && !bNum {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return false
}

// compareOrdered compares two values of compatible ordered types. Returns
// (cmp, false) when the types are incompatible and coercion is off or fails.
func compareOrdered(a, b interface{}, coerce bool) (int, bool) {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return floatCmp(fa, fb), true
	}

	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strCmp(sa, sb), true
	}

	if !coerce {
		return 0, false
	}

	// Coercion path: try to land both sides on float.
	if va, ok := coerceFloat(a); ok {
		if vb, ok2 := coerceFloat(b); ok2 {
			return floatCmp(va, vb), true
		}
	}
	return 0, false
}

func coerceFloat(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f, true
		}
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func floatCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func strCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareValues returns -1 if a < b, 0 if equal, 1 if a > b. Used by sort
// iterators and $sort array modifiers; mixed types fall back to string order.
func CompareValues(a, b interface{}) int {
	if cmp, ok := compareOrdered(a, b, false); ok {
		return cmp
	}
	return strCmp(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int32:
		return float64(i), true
	case int64:
		return float64(i), true
	case uint:
		return float64(i), true
	}
	return 0, false
}
