package cache

// PageInfo describes one physical page as returned by the backend.
type PageInfo struct {
	Number  int  `json:"page"` // 0 is the newest page
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// pagedList is a logical newest-first list split into the physical pages it
// was loaded in. All lookups and inserts work on the flattened logical
// positions so a realtime update lands in the right page without touching
// the page metadata that drives pagination.
type pagedList[T any] struct {
	pages [][]T
	info  []PageInfo
	keyOf func(T) string
}

func newPagedList[T any](keyOf func(T) string) pagedList[T] {
	return pagedList[T]{keyOf: keyOf}
}

func (l *pagedList[T]) len() int {
	n := 0
	for _, p := range l.pages {
		n += len(p)
	}
	return n
}

func (l *pagedList[T]) flatten() []T {
	out := make([]T, 0, l.len())
	for _, p := range l.pages {
		out = append(out, p...)
	}
	return out
}

func (l *pagedList[T]) pageInfo() []PageInfo {
	return append([]PageInfo(nil), l.info...)
}

// find returns the physical coordinates of key.
func (l *pagedList[T]) find(key string) (page, idx int, ok bool) {
	for p, items := range l.pages {
		for i, item := range items {
			if l.keyOf(item) == key {
				return p, i, true
			}
		}
	}
	return 0, 0, false
}

func (l *pagedList[T]) get(page, idx int) T {
	return l.pages[page][idx]
}

func (l *pagedList[T]) set(page, idx int, v T) {
	l.pages[page][idx] = v
}

func (l *pagedList[T]) remove(page, idx int) T {
	items := l.pages[page]
	v := items[idx]
	l.pages[page] = append(items[:idx:idx], items[idx+1:]...)
	return v
}

// insertBefore inserts v at the first logical position whose element
// satisfies before(v, existing). Without such a position v goes to the tail
// of the last page. An empty list gets a first page.
func (l *pagedList[T]) insertBefore(v T, before func(v, existing T) bool) {
	if len(l.pages) == 0 {
		l.pages = [][]T{nil}
		l.info = []PageInfo{{Number: 0}}
	}
	for p, items := range l.pages {
		for i, existing := range items {
			if before(v, existing) {
				next := make([]T, 0, len(items)+1)
				next = append(next, items[:i]...)
				next = append(next, v)
				next = append(next, items[i:]...)
				l.pages[p] = next
				return
			}
		}
	}
	last := len(l.pages) - 1
	l.pages[last] = append(l.pages[last], v)
}

// pushFront inserts v at the logical head.
func (l *pagedList[T]) pushFront(v T) {
	l.insertBefore(v, func(T, T) bool { return true })
}

// each visits every element with its coordinates; returning false stops.
func (l *pagedList[T]) each(fn func(page, idx int, v T) bool) {
	for p, items := range l.pages {
		for i, v := range items {
			if !fn(p, i, v) {
				return
			}
		}
	}
}

// reset replaces the content with a single first page.
func (l *pagedList[T]) reset(first []T, info PageInfo) {
	l.pages = [][]T{first}
	l.info = []PageInfo{info}
}

// carryOlderPages appends the pages after the first of old, skipping entries
// l already holds and those keep rejects. spill heads the carried second page;
// it is dropped when old has a single page, the next older fetch brings it
// back.
func (l *pagedList[T]) carryOlderPages(old pagedList[T], spill []T, keep func(T) bool) {
	for p := 1; p < len(old.pages); p++ {
		var items []T
		if p == 1 {
			items = append(items, spill...)
		}
		for _, v := range old.pages[p] {
			if _, _, dup := l.find(l.keyOf(v)); dup || !keep(v) {
				continue
			}
			items = append(items, v)
		}
		l.pages = append(l.pages, items)
		l.info = append(l.info, old.info[p])
	}
}

// setPage stores page n, appending when n is the next page. It returns false
// for a page that would leave a gap.
func (l *pagedList[T]) setPage(n int, items []T, info PageInfo) bool {
	switch {
	case n < len(l.pages):
		l.pages[n] = items
		l.info[n] = info
		return true
	case n == len(l.pages):
		l.pages = append(l.pages, items)
		l.info = append(l.info, info)
		return true
	default:
		return false
	}
}
