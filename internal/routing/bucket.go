package routing

import (
	"time"
)

type Bucket struct {
	k       int
	list    []Contact // most-recently seen at end
	touched time.Time
}

func newBucket(k int) *Bucket { return &Bucket{k: k} }

// Touch inserts c or moves it to the tail. When the bucket is full the
// least-recently seen contact is returned and c is not inserted.
func (b *Bucket) Touch(c Contact) (lru *Contact) {
	// move to end if exists
	for i := range b.list {
		if b.list[i].ID == c.ID {
			b.list = append(b.list[:i], b.list[i+1:]...)
			b.list = append(b.list, c)
			b.touched = c.LastSeen
			return nil
		}
	}
	if len(b.list) < b.k {
		b.list = append(b.list, c)
		b.touched = c.LastSeen
		return nil
	}
	old := b.list[0]
	return &old
}

func (b *Bucket) Seen(c Contact, at time.Time) bool {
	for i := range b.list {
		if b.list[i].ID == c.ID {
			v := b.list[i]
			v.LastSeen = at
			b.list = append(b.list[:i], b.list[i+1:]...)
			b.list = append(b.list, v)
			b.touched = at
			return true
		}
	}
	return false
}

func (b *Bucket) RemoveByID(c Contact) bool {
	for i := range b.list {
		if b.list[i].ID == c.ID {
			b.list = append(b.list[:i], b.list[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bucket) Get(c Contact) (Contact, bool) {
	for _, v := range b.list {
		if v.ID == c.ID {
			return v, true
		}
	}
	return Contact{}, false
}

func (b *Bucket) Len() int { return len(b.list) }

func (b *Bucket) Contacts() []Contact {
	out := make([]Contact, len(b.list))
	copy(out, b.list)
	return out
}
