package algorithm

import "sort"

// PageItem is the selector's view of one hit
type PageItem struct {
	Key   string
	Grade int
}

// pageSelector holds the working state of one SelectPages call
type pageSelector struct {
	items     []PageItem
	pageSize  int
	distCount int
	pageCount int

	page      []int
	counts    map[string]int
	backlog   []int
	out       []int
	flushed   int
	lastGrade int
	hasLast   bool
}

// SelectPages picks the hit positions of the window [start, start+hit) after splitting items into
// pages of at most pageSize hits with at most distCount hits per key. Items must already be sorted by
// grade descending. A distCount <= 0 disables the per-key limit.
//
// Positions deferred for diversity are drained ahead of any lower-grade item, so a lower grade never
// lands on an earlier page than a higher grade. Within a page positions keep their input order.
func SelectPages(items []PageItem, start, hit, pageSize, distCount int) []int {
	if pageSize <= 0 || hit <= 0 || start < 0 || start >= len(items) {
		return []int{}
	}
	if distCount <= 0 {
		distCount = pageSize
	}

	s := &pageSelector{
		items:     items,
		pageSize:  pageSize,
		distCount: distCount,
		pageCount: (start + hit + pageSize - 1) / pageSize,
		counts:    make(map[string]int),
	}
	s.run()

	if start >= len(s.out) {
		return []int{}
	}
	end := start + hit
	if end > len(s.out) {
		end = len(s.out)
	}
	return append([]int{}, s.out[start:end]...)
}

func (s *pageSelector) done() bool {
	return s.flushed >= s.pageCount
}

func (s *pageSelector) run() {
	for p := 0; p < len(s.items) && !s.done(); p++ {
		item := s.items[p]
		if s.hasLast && item.Grade < s.lastGrade {
			s.drainBacklog()
			if s.done() {
				return
			}
		}
		if s.counts[item.Key] < s.distCount {
			s.accept(p)
		} else {
			s.backlog = append(s.backlog, p)
		}
	}

	s.drainBacklog()
	if len(s.page) > 0 && !s.done() {
		s.flush()
	}
}

// accept puts position p on the current page and flushes the page when it fills
func (s *pageSelector) accept(p int) {
	s.page = append(s.page, p)
	s.counts[s.items[p].Key]++
	s.lastGrade = s.items[p].Grade
	s.hasLast = true
	if len(s.page) >= s.pageSize {
		s.flush()
	}
}

// drainBacklog moves deferred positions, oldest first, onto pages regardless of their key
func (s *pageSelector) drainBacklog() {
	for len(s.backlog) > 0 && !s.done() {
		p := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.accept(p)
	}
}

// flush emits the current page and seeds the next one from the backlog
func (s *pageSelector) flush() {
	sort.Ints(s.page)
	s.out = append(s.out, s.page...)
	s.flushed++
	s.page = s.page[:0:0]
	s.counts = make(map[string]int)

	if s.done() || len(s.backlog) == 0 {
		return
	}

	// Deferred positions get the first chance at a fresh page, still under the per-key limit.
	kept := s.backlog[:0:0]
	pending := s.backlog
	s.backlog = nil
	for i, p := range pending {
		if len(s.page) >= s.pageSize-1 && s.counts[s.items[p].Key] < s.distCount {
			// Filling the page triggers a nested flush; hand it the rest of the backlog.
			s.backlog = append(kept, pending[i+1:]...)
			s.accept(p)
			return
		}
		if s.counts[s.items[p].Key] < s.distCount {
			s.accept(p)
			continue
		}
		kept = append(kept, p)
	}
	s.backlog = kept
}
