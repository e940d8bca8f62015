package guard

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Kind 区分被去重的操作类型，不同类型之间互不影响
type Kind string

const (
	ContainerCreation Kind = "container-creation"
	ContainerListing  Kind = "container-listing"
	ExistenceCheck    Kind = "existence-check"
	BlobStream        Kind = "blob-stream"
)

// Guard 记录每种操作已经放行过的标识
// 一次运行内永不清空：同一个 (kind, identity) 最多放行一次。
type Guard struct {
	mu   sync.Mutex
	sets map[Kind]mapset.Set[string]
}

func New() *Guard {
	return &Guard{sets: make(map[Kind]mapset.Set[string])}
}

// TryAdmit 第一次请求返回 true，之后都返回 false
// 被拒绝的调用方应当把操作视为已成功 (真正负责的是第一个调用方)。
func (g *Guard) TryAdmit(kind Kind, identity string) bool {
	return g.set(kind).Add(identity)
}

// Admitted 返回某类操作已放行的数量
func (g *Guard) Admitted(kind Kind) int {
	return g.set(kind).Cardinality()
}

func (g *Guard) set(kind Kind) mapset.Set[string] {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sets[kind]
	if !ok {
		// 线程安全版本，Add 本身是原子的
		s = mapset.NewSet[string]()
		g.sets[kind] = s
	}
	return s
}

// BlobKey 是 Blob 级操作的标识，同名 Blob 在不同容器中互不冲突
func BlobKey(container, blob string) string {
	return container + "/" + blob
}
