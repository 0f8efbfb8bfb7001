package models

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultTagPattern = `^v\d+\.\d+(\.\d+)?(rc\d+)?$`

type Tag struct {
	Name         string
	DiscoveredAt time.Time
}

// Version returns the tag without its leading "v", the form used for
// guix.sigs directories and guix-build output trees.
func (t Tag) Version() string {
	return TrimVersion(t.Name)
}

func TrimVersion(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

type TagFilter struct {
	re *regexp.Regexp
}

func NewTagFilter(pattern string) (*TagFilter, error) {
	if pattern == "" {
		pattern = DefaultTagPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &TagFilter{re}, nil
}

func (f *TagFilter) Match(tag string) bool {
	if f == nil {
		return true
	}
	return f.re.MatchString(tag)
}

func (f *TagFilter) Filter(tags []Tag) []Tag {
	res := make([]Tag, 0, len(tags))
	for _, tag := range tags {
		if f.Match(tag.Name) {
			res = append(res, tag)
		}
	}
	return res
}

func parseVersion(v string) ([]int, int, bool) {
	v = strings.TrimPrefix(v, "v")
	base, rc, hasRC := strings.Cut(v, "rc")

	parts := strings.Split(base, ".")
	numbers := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			n = 0
		}
		numbers = append(numbers, n)
	}

	rcNumber := 0
	if hasRC {
		n, err := strconv.Atoi(rc)
		if err != nil {
			hasRC = false
		} else {
			rcNumber = n
		}
	}
	return numbers, rcNumber, hasRC
}

func component(parts []int, i int) (int, bool) {
	if i < len(parts) {
		return parts[i], true
	}
	return 0, false
}

// CompareVersions orders tags like v0.21.0 < v0.28.0rc1 < v0.28.0 < v0.28.1.
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	va, rcA, hasRCA := parseVersion(a)
	vb, rcB, hasRCB := parseVersion(b)

	for i := 0; i < 3; i++ {
		x, okX := component(va, i)
		y, okY := component(vb, i)
		switch {
		case okX && !okY:
			return 1
		case !okX && okY:
			return -1
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}

	switch {
	case hasRCA && !hasRCB:
		return -1
	case !hasRCA && hasRCB:
		return 1
	case rcA < rcB:
		return -1
	case rcA > rcB:
		return 1
	}
	return 0
}

// SortTags orders tags oldest version first.
func SortTags(tags []Tag) {
	sort.SliceStable(tags, func(i, j int) bool {
		return CompareVersions(tags[i].Name, tags[j].Name) < 0
	})
}
