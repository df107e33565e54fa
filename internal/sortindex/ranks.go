package sortindex

import (
	"sort"
	"strings"
	"time"
)

// Sortable dimensions. Each has an ascending and a descending rank column.
const (
	DimTitle         = "title"
	DimAdded         = "added"
	DimCreated       = "created"
	DimRelease       = "release"
	DimRating        = "rating"
	DimRuntime       = "runtime"
	DimPopularity    = "popularity"
	DimFileBitrate   = "bitrate"
	DimFileSize      = "file_size"
	DimContentRating = "content_rating"
	DimResolution    = "resolution"
)

// Dimensions lists every sortable dimension in rank-column order.
var Dimensions = []string{
	DimTitle, DimAdded, DimCreated, DimRelease, DimRating, DimRuntime,
	DimPopularity, DimFileBitrate, DimFileSize, DimContentRating, DimResolution,
}

// EntrySnapshot is the slice of a catalog entry the rank computation reads.
// Title already has the sort-title fallback applied.
type EntrySnapshot struct {
	EntryID          int64
	Title            string
	AddedAt          *time.Time
	CreatedAt        time.Time
	ReleaseDate      *time.Time
	Rating           *float64
	RuntimeMinutes   *int
	Popularity       *float64
	Bitrate          *int64
	FileSize         *int64
	ContentRating    *string
	ResolutionHeight *int
}

// Ranks holds one entry's 1-based position in every dimension and direction.
type Ranks struct {
	EntryID int64
	Asc     map[string]int
	Desc    map[string]int
}

// ComputeRanks produces a dense 1-based rank per dimension for every entry.
// The ascending order sorts NULLs last and breaks value ties by entry id; the
// paired descending rank is the exact reversal (ties broken by reverse entry
// id), so rank_asc + rank_desc == N+1 holds for every entry.
func ComputeRanks(entries []EntrySnapshot) []Ranks {
	n := len(entries)
	out := make([]Ranks, n)
	byID := make(map[int64]int, n)
	for i, e := range entries {
		out[i] = Ranks{
			EntryID: e.EntryID,
			Asc:     make(map[string]int, len(Dimensions)),
			Desc:    make(map[string]int, len(Dimensions)),
		}
		byID[e.EntryID] = i
	}

	order := make([]int, n)
	for _, dim := range Dimensions {
		cmp := comparator(dim)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			ea, eb := &entries[order[a]], &entries[order[b]]
			c := cmp(ea, eb)
			if c != 0 {
				return c < 0
			}
			return ea.EntryID < eb.EntryID
		})
		for rank, idx := range order {
			r := &out[idx]
			r.Asc[dim] = rank + 1
			r.Desc[dim] = n - rank
		}
	}
	return out
}

// comparator returns a three-way compare for one dimension with NULLs
// ordered last.
func comparator(dim string) func(a, b *EntrySnapshot) int {
	switch dim {
	case DimTitle:
		return func(a, b *EntrySnapshot) int {
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		}
	case DimAdded:
		return func(a, b *EntrySnapshot) int { return compareTimePtr(a.AddedAt, b.AddedAt) }
	case DimCreated:
		return func(a, b *EntrySnapshot) int { return compareTime(a.CreatedAt, b.CreatedAt) }
	case DimRelease:
		return func(a, b *EntrySnapshot) int { return compareTimePtr(a.ReleaseDate, b.ReleaseDate) }
	case DimRating:
		return func(a, b *EntrySnapshot) int { return compareFloatPtr(a.Rating, b.Rating) }
	case DimRuntime:
		return func(a, b *EntrySnapshot) int { return compareIntPtr(a.RuntimeMinutes, b.RuntimeMinutes) }
	case DimPopularity:
		return func(a, b *EntrySnapshot) int { return compareFloatPtr(a.Popularity, b.Popularity) }
	case DimFileBitrate:
		return func(a, b *EntrySnapshot) int { return compareInt64Ptr(a.Bitrate, b.Bitrate) }
	case DimFileSize:
		return func(a, b *EntrySnapshot) int { return compareInt64Ptr(a.FileSize, b.FileSize) }
	case DimContentRating:
		return func(a, b *EntrySnapshot) int { return compareStringPtr(a.ContentRating, b.ContentRating) }
	case DimResolution:
		return func(a, b *EntrySnapshot) int { return compareIntPtr(a.ResolutionHeight, b.ResolutionHeight) }
	default:
		panic("sortindex: unknown dimension " + dim)
	}
}

func compareNulls(aNil, bNil bool) (int, bool) {
	switch {
	case aNil && bNil:
		return 0, true
	case aNil:
		return 1, true // NULLs last
	case bNil:
		return -1, true
	}
	return 0, false
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareTimePtr(a, b *time.Time) int {
	if c, done := compareNulls(a == nil, b == nil); done {
		return c
	}
	return compareTime(*a, *b)
}

func compareFloatPtr(a, b *float64) int {
	if c, done := compareNulls(a == nil, b == nil); done {
		return c
	}
	switch {
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func compareIntPtr(a, b *int) int {
	if c, done := compareNulls(a == nil, b == nil); done {
		return c
	}
	switch {
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func compareInt64Ptr(a, b *int64) int {
	if c, done := compareNulls(a == nil, b == nil); done {
		return c
	}
	switch {
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

func compareStringPtr(a, b *string) int {
	if c, done := compareNulls(a == nil, b == nil); done {
		return c
	}
	return strings.Compare(*a, *b)
}
