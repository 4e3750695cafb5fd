// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symbol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AttrString returns the attribute value, or defaultValue if it is not set.
func (n *Node) AttrString(key, defaultValue string) string {
	if v, found := n.Attrs[key]; found {
		return v
	}
	return defaultValue
}

// AttrInt returns the attribute as an int, or defaultValue if it is not set.
func (n *Node) AttrInt(key string, defaultValue int) (int, error) {
	v, found := n.Attrs[key]
	if !found {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Errorf("node %q: attribute %s=%q is not an integer", n.Name, key, v)
	}
	return i, nil
}

// AttrFloat returns the attribute as a float64, or defaultValue if it is not set.
func (n *Node) AttrFloat(key string, defaultValue float64) (float64, error) {
	v, found := n.Attrs[key]
	if !found {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.Errorf("node %q: attribute %s=%q is not a number", n.Name, key, v)
	}
	return f, nil
}

// AttrBool returns the attribute as a bool ("True", "False", "1", "0"), or defaultValue if it is not set.
func (n *Node) AttrBool(key string, defaultValue bool) bool {
	v, found := n.Attrs[key]
	if !found {
		return defaultValue
	}
	return parseBool(v)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// AttrTuple returns a tuple attribute like "(3, 3)" as a slice of ints with rank elements. A single
// integer value is repeated rank times. If the attribute is not set, defaultValue is repeated.
func (n *Node) AttrTuple(key string, rank, defaultValue int) ([]int, error) {
	values := make([]int, rank)
	v, found := n.Attrs[key]
	if !found || strings.TrimSpace(v) == "" || strings.TrimSpace(v) == "()" {
		for ii := range values {
			values[ii] = defaultValue
		}
		return values, nil
	}
	trimmed := strings.Trim(strings.TrimSpace(v), "()[]")
	parts := strings.Split(trimmed, ",")
	if len(parts) > 0 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		// Python single-element tuples: "(3,)".
		parts = parts[:len(parts)-1]
	}
	if len(parts) != 1 && len(parts) != rank {
		return nil, errors.Errorf("node %q: attribute %s=%q should have %d values", n.Name, key, v, rank)
	}
	for ii := range values {
		part := parts[0]
		if len(parts) == rank {
			part = parts[ii]
		}
		i, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Errorf("node %q: attribute %s=%q is not a tuple of integers", n.Name, key, v)
		}
		values[ii] = i
	}
	return values, nil
}

// AttrInts returns a tuple attribute as a slice of ints of any length, or nil if it is not set.
func (n *Node) AttrInts(key string) ([]int, error) {
	v, found := n.Attrs[key]
	if !found {
		return nil, nil
	}
	trimmed := strings.Trim(strings.TrimSpace(v), "()[]")
	var values []int
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Errorf("node %q: attribute %s=%q is not a tuple of integers", n.Name, key, v)
		}
		values = append(values, i)
	}
	return values, nil
}
