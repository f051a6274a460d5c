package cache

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Victim 表示一个待淘汰的缓存文件（分区内文件名 + 字节数）。
type Victim struct {
	Name string
	Size int64
}

// Policy 记录分区内文件的访问顺序，并在容量超限时给出淘汰列表。
// 每个分区持有独立的 Policy 实例。
type Policy interface {
	Name() string

	// OnAdd 在文件进入分区后调用；同名文件重复添加会更新大小。
	OnAdd(name string, size int64)

	// OnAccess 在缓存命中时调用。
	OnAccess(name string)

	// Remove 在文件被删除后调用。
	Remove(name string)

	// Victims 返回将 projected 降到 maxBytes 以内需要删除的文件。
	// projected 已包含即将提交但尚未纳入索引的文件大小。
	Victims(projected, maxBytes int64) []Victim
}

// NewPolicy 根据名称构建淘汰策略。
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "", PolicyLRU:
		return newLRUPolicy(), nil
	case PolicyPurge:
		return newPurgePolicy(), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy: %s", name)
	}
}

const (
	PolicyLRU   = "lru"
	PolicyPurge = "purge"
)

// lruPolicy 按最近访问时间排序，超限时从最久未访问的文件开始逐个淘汰。
type lruPolicy struct {
	mu    sync.Mutex
	list  *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	name string
	size int64
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{
		list:  list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *lruPolicy) Name() string { return PolicyLRU }

func (l *lruPolicy) OnAdd(name string, size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[name]; ok {
		elem.Value.(*lruEntry).size = size
		l.list.MoveToFront(elem)
		return
	}
	l.items[name] = l.list.PushFront(&lruEntry{name: name, size: size})
}

func (l *lruPolicy) OnAccess(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[name]; ok {
		l.list.MoveToFront(elem)
	}
}

func (l *lruPolicy) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[name]; ok {
		l.list.Remove(elem)
		delete(l.items, name)
	}
}

func (l *lruPolicy) Victims(projected, maxBytes int64) []Victim {
	l.mu.Lock()
	defer l.mu.Unlock()

	var victims []Victim
	size := projected
	for elem := l.list.Back(); size > maxBytes && elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*lruEntry)
		victims = append(victims, Victim{Name: ent.name, Size: ent.size})
		size -= ent.size
	}
	return victims
}

// purgePolicy 一旦超限即清空整个分区，不区分访问顺序。
type purgePolicy struct {
	mu    sync.Mutex
	sizes map[string]int64
}

func newPurgePolicy() *purgePolicy {
	return &purgePolicy{sizes: make(map[string]int64)}
}

func (p *purgePolicy) Name() string { return PolicyPurge }

func (p *purgePolicy) OnAdd(name string, size int64) {
	p.mu.Lock()
	p.sizes[name] = size
	p.mu.Unlock()
}

func (p *purgePolicy) OnAccess(string) {}

func (p *purgePolicy) Remove(name string) {
	p.mu.Lock()
	delete(p.sizes, name)
	p.mu.Unlock()
}

func (p *purgePolicy) Victims(projected, maxBytes int64) []Victim {
	p.mu.Lock()
	defer p.mu.Unlock()

	if projected <= maxBytes {
		return nil
	}
	victims := make([]Victim, 0, len(p.sizes))
	for name, size := range p.sizes {
		victims = append(victims, Victim{Name: name, Size: size})
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].Name < victims[j].Name })
	return victims
}

// seedFile 用于启动时按修改时间顺序回放已有文件。
type seedFile struct {
	name    string
	size    int64
	modTime time.Time
}

func seedPolicy(p Policy, files []seedFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		p.OnAdd(f.name, f.size)
	}
}
