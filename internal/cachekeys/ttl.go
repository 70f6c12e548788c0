package cachekeys

import (
	"strings"
	"time"
)

type TTLClass int

const (
	Short TTLClass = iota
	Medium
	Long
	VeryLong
	Session
)

func (c TTLClass) Duration() time.Duration {
	switch c {
	case Short:
		return 5 * time.Minute
	case Medium:
		return 30 * time.Minute
	case Long:
		return time.Hour
	case VeryLong:
		return 24 * time.Hour
	case Session:
		return 2 * time.Hour
	}
	return 5 * time.Minute
}

func (c TTLClass) String() string {
	switch c {
	case Short:
		return "SHORT"
	case Medium:
		return "MEDIUM"
	case Long:
		return "LONG"
	case VeryLong:
		return "VERY_LONG"
	case Session:
		return "SESSION"
	}
	return "UNKNOWN"
}

type ttlRule struct {
	template string
	class    TTLClass
}

// ttlRules are checked in order; the first template that matches wins, so
// specific templates come before broader ones. "{}" matches one segment and a
// trailing "*" matches the rest of the key.
var ttlRules = []ttlRule{
	{"session:{}", Session},
	{"student:{}:course:{}:progress", Short},
	{"student:{}:progress", Short},
	{"student:{}:assessments", Short},
	{"student:{}:enrollments", Medium},
	{"student:{}:certificates", VeryLong},
	{"assessment:{}:submissions", Short},
	{"assessment:{}:stats", Medium},
	{"course:{}:stats", Medium},
	{"course:{}:enrollments", Medium},
	{"course:{}:modules", Long},
	{"course:{}", Long},
	{"courses:list:*", Medium},
	{"courses:search:*", Medium},
	{"teacher:{}:*", Medium},
	{"user:{}:payments", Medium},
	{"user:{}:balance", Short},
	{"user:{}:subscription", Long},
	{"user:{}:entitlements", Long},
	{"payment:{}", Long},
	{"revenue:stats:*", Medium},
	{"certificate:{}", VeryLong},
	{"pricing:*", VeryLong},
}

// TTLFor returns the TTL class of a concrete cache key. Keys no rule knows
// about get Short so that unknown data never lingers.
func TTLFor(key string) TTLClass {
	for _, r := range ttlRules {
		if matchTemplate(r.template, key) {
			return r.class
		}
	}
	return Short
}

func matchTemplate(template, key string) bool {
	ts := strings.Split(template, ":")
	ks := strings.Split(key, ":")
	for i, t := range ts {
		if t == Wildcard && i == len(ts)-1 {
			return len(ks) >= i
		}
		if i >= len(ks) {
			return false
		}
		if t == "{}" {
			if ks[i] == "" {
				return false
			}
			continue
		}
		if t != ks[i] {
			return false
		}
	}
	return len(ts) == len(ks)
}
