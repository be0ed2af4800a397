package parser

import "strings"

// Attribute is one KEY=VALUE pair of an HLS attribute list.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is an attribute list in declaration order.
type Attributes []Attribute

// Get returns the value of the first attribute named key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Value returns the value of key, or an empty string.
func (a Attributes) Value(key string) string {
	v, _ := a.Get(key)
	return v
}

// ParseAttributes splits an attribute list such as
//
//	BANDWIDTH=1280000,CODECS="avc1.4d001f,mp4a.40.2",NAME="say \"hi\""
//
// Quoted values may contain commas and backslash-escaped quotes. A pair
// without '=' is skipped and parsing continues with the next one.
func ParseAttributes(s string) Attributes {
	var attrs Attributes
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}
		if i >= len(s) || s[i] == ',' {
			// no '=' before the next separator
			continue
		}
		key := strings.TrimSpace(s[start:i])
		i++ // '='

		for i < len(s) && s[i] <= ' ' {
			i++
		}

		var value string
		if i < len(s) && s[i] == '"' {
			i++
			var b strings.Builder
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			i++ // closing quote
			value = b.String()
			for i < len(s) && s[i] != ',' {
				i++
			}
		} else {
			start = i
			for i < len(s) && s[i] != ',' {
				i++
			}
			value = strings.TrimSpace(s[start:i])
		}

		if key != "" {
			attrs = append(attrs, Attribute{Key: key, Value: value})
		}
	}
	return attrs
}
