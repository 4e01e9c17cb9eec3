package registry

import (
	"math"
	"strconv"
	"sync"
)

// Allocator hands out integer-formatted keys. The counter only moves forward
// until Reset, so a key freed by a detach is not handed out again in the
// same sweep.
type Allocator struct {
	mu   sync.Mutex
	next int
}

func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns the smallest free key at or above the counter and moves the
// counter past it. isFree is consulted for every candidate.
func (a *Allocator) Next(isFree func(key string) bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	for !isFree(strconv.Itoa(a.next)) {
		a.next++
	}
	key := strconv.Itoa(a.next)
	a.next++
	return key
}

// Observe raises the floor above key when key parses as a positive integer.
// Other keys occupy the namespace but never influence allocation.
func (a *Allocator) Observe(key string) {
	n, err := strconv.Atoi(key)
	if err != nil || n < 1 || n == math.MaxInt {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next <= n {
		a.next = n + 1
	}
}

// Reset rewinds the counter. Only a full reload calls it.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.next = 1
	a.mu.Unlock()
}

// Floor returns the next candidate key.
func (a *Allocator) Floor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
